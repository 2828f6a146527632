package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos-rpc/internal/model"
)

// setupMockDB 创建模拟数据库
func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	dialector := postgres.New(postgres.Config{
		Conn:       db,
		DriverName: "postgres",
	})

	gormDB, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open gorm db: %v", err)
	}

	cleanup := func() {
		db.Close()
	}

	return gormDB, mock, cleanup
}

func endpointColumns() []string {
	return []string{
		"id", "chain_id", "endpoint_url", "state", "priority",
		"consecutive_errors", "error_message", "last_error_at",
		"created_at", "updated_at",
	}
}

// TestEndpointRepository_Errors 测试错误类型
func TestEndpointRepository_Errors(t *testing.T) {
	assert.Equal(t, "rpc endpoint not found", ErrEndpointNotFound.Error())
}

// TestEndpointRepository_GetByChainAndState 测试按链和状态查询
func TestEndpointRepository_GetByChainAndState(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	rows := sqlmock.NewRows(endpointColumns()).
		AddRow("id-a", 1, "https://rpc-a.example.com", "ACTIVE", 1, 0, "", 0, 1000, 1000).
		AddRow("id-b", 1, "https://rpc-b.example.com", "ACTIVE", 2, 0, "", 0, 1000, 1000)

	mock.ExpectQuery(`SELECT (.+) FROM "eidos_rpc_endpoints" WHERE chain_id = \$1 AND state = \$2`).
		WithArgs(int64(1), "ACTIVE").
		WillReturnRows(rows)

	repo := NewEndpointRepository(db)
	endpoints, err := repo.GetByChainAndState(context.Background(), 1, model.EndpointStateActive)
	require.NoError(t, err)
	require.Len(t, endpoints, 2)
	assert.Equal(t, "https://rpc-a.example.com", endpoints[0].EndpointURL)
	assert.Equal(t, model.EndpointStateActive, endpoints[0].State)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestEndpointRepository_GetByURL 测试按 URL 查询
func TestEndpointRepository_GetByURL(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	rows := sqlmock.NewRows(endpointColumns()).
		AddRow("id-a", 1, "https://rpc-a.example.com", "ERROR", 1, 5, "boom", 1234567890000, 1000, 1000)

	mock.ExpectQuery(`SELECT (.+) FROM "eidos_rpc_endpoints" WHERE endpoint_url = \$1`).
		WithArgs("https://rpc-a.example.com", 1).
		WillReturnRows(rows)

	repo := NewEndpointRepository(db)
	endpoint, err := repo.GetByURL(context.Background(), "https://rpc-a.example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, "id-a", endpoint.ID)
	assert.Equal(t, model.EndpointStateError, endpoint.State)
	assert.Equal(t, 5, endpoint.ConsecutiveErrors)
}

// TestEndpointRepository_GetByURL_NotFound 测试按 URL 查询未命中
func TestEndpointRepository_GetByURL_NotFound(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT (.+) FROM "eidos_rpc_endpoints" WHERE endpoint_url = \$1`).
		WithArgs("https://unknown.example.com", 1).
		WillReturnRows(sqlmock.NewRows(endpointColumns()))

	repo := NewEndpointRepository(db)
	_, err := repo.GetByURL(context.Background(), "https://unknown.example.com", nil)
	assert.ErrorIs(t, err, ErrEndpointNotFound)
}

// TestEndpointRepository_Update_NotFound 测试更新不存在的节点
func TestEndpointRepository_Update_NotFound(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "eidos_rpc_endpoints" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	repo := NewEndpointRepository(db)
	err := repo.Update(context.Background(), &model.RPCEndpoint{ID: "missing"})
	assert.ErrorIs(t, err, ErrEndpointNotFound)
}

// TestEndpointRepository_Create_FillsDefaults 测试创建时填充默认字段
func TestEndpointRepository_Create_FillsDefaults(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "eidos_rpc_endpoints"`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	repo := NewEndpointRepository(db)
	endpoint := &model.RPCEndpoint{
		ChainID:     1,
		EndpointURL: "https://rpc-a.example.com",
	}
	require.NoError(t, repo.Create(context.Background(), endpoint))

	assert.NotEmpty(t, endpoint.ID)
	assert.Equal(t, model.EndpointStateActive, endpoint.State)
	assert.NotZero(t, endpoint.CreatedAt)
	assert.Equal(t, endpoint.CreatedAt, endpoint.UpdatedAt)
}

// TestQueryOptions_ApplyLock 测试行锁选项
func TestQueryOptions_ApplyLock(t *testing.T) {
	db, _, cleanup := setupMockDB(t)
	defer cleanup()

	// nil 选项不加锁
	var nilOpts *QueryOptions
	assert.Same(t, db, nilOpts.ApplyLock(db))

	noLock := &QueryOptions{}
	assert.Same(t, db, noLock.ApplyLock(db))

	locked := (&QueryOptions{ForUpdate: true}).ApplyLock(db)
	assert.NotSame(t, db, locked)
}
