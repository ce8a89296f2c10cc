package database

import (
	"errors"
	"testing"

	"nexus-backend/internal/models"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// newTestDB opens a throwaway sqlite database in a temp directory.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	t.Chdir(t.TempDir())

	db, err := Setup(&models.ConfigFile{SelfContained: true}, zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}
	return db
}

// every row lookup reports a miss as ErrNotFound, never as a nil row
// with a nil error.
func TestLookupsReturnErrNotFound(t *testing.T) {
	db := newTestDB(t)

	tests := []struct {
		name   string
		lookup func() (any, error)
	}{
		{"account by id", func() (any, error) { return db.GetAccount(404) }},
		{"account by email", func() (any, error) { return db.GetAccountByEmail("nobody@example.org") }},
		{"account by username", func() (any, error) { return db.GetAccountByUsername("nobody") }},
		{"invite by code", func() (any, error) { return db.GetInvite("deadbeef") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.lookup()
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("err = %v, want ErrNotFound", err)
			}
			switch v := got.(type) {
			case *models.Account:
				if v != nil {
					t.Errorf("missing row returned %+v", v)
				}
			case *models.Invite:
				if v != nil {
					t.Errorf("missing row returned %+v", v)
				}
			}
		})
	}
}

func TestAccountRoundTrip(t *testing.T) {
	db := newTestDB(t)

	account := &models.Account{
		ID:          7,
		Email:       "pat@example.org",
		Username:    "pat",
		DisplayName: "Pat",
		Password:    []byte("hashed"),
	}
	if err := db.CreateAccount(account); err != nil {
		t.Fatal(err)
	}

	byID, err := db.GetAccount(7)
	if err != nil {
		t.Fatal(err)
	}
	if byID.Username != "pat" || byID.Email != "pat@example.org" {
		t.Errorf("GetAccount = %+v", byID)
	}

	byEmail, err := db.GetAccountByEmail("pat@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if byEmail.ID != 7 {
		t.Errorf("GetAccountByEmail id = %d, want 7", byEmail.ID)
	}

	byUsername, err := db.GetAccountByUsername("pat")
	if err != nil {
		t.Fatal(err)
	}
	if byUsername.ID != 7 {
		t.Errorf("GetAccountByUsername id = %d, want 7", byUsername.ID)
	}
}

func TestInviteUseCount(t *testing.T) {
	db := newTestDB(t)

	invite := &models.Invite{Code: "abc12345", CommunityID: 1, CreatorID: 7, MaxUses: 3}
	if err := db.CreateInvite(invite); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordInviteUse("abc12345"); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordInviteUse("abc12345"); err != nil {
		t.Fatal(err)
	}

	loaded, err := db.GetInvite("abc12345")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Uses != 2 {
		t.Errorf("uses = %d, want 2", loaded.Uses)
	}
}
