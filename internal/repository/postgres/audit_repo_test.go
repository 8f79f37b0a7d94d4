package postgres

import (
	"context"
	"testing"

	"github.com/gofrs/uuid/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func TestAuditRepo_Append(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewAuditRepo(db)
	orgID := uuid.Must(uuid.NewV4())
	accountID := uuid.Must(uuid.NewV4())

	mock.ExpectExec(`INSERT INTO audit_log \(org_id, account_id, event, details\)`).
		WithArgs(orgID, accountID, "health_probe", []byte(`{"status":"connected"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Append(context.Background(), orgID, accountID, "health_probe",
		map[string]string{"status": "connected"}))
}

func TestAuditRepo_Append_UnencodableDetails(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewAuditRepo(db)

	err := r.Append(context.Background(), uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), "ev", make(chan int))
	require.Error(t, err)
}
