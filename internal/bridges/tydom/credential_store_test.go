package tydom

import (
	"context"
	"errors"
	"testing"

	"github.com/nerrad567/tydom-bridge/internal/infrastructure/config"
	"github.com/nerrad567/tydom-bridge/internal/infrastructure/database"
	"github.com/nerrad567/tydom-bridge/migrations"
)

func newTestStore(t *testing.T) *CredentialStore {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{Path: database.MemoryPath, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return NewCredentialStore(db.DB)
}

type fakeExchanger struct {
	password string
	err      error
	calls    int
}

func (f *fakeExchanger) Exchange(_ context.Context, _, _, _ string) (string, error) {
	f.calls++
	return f.password, f.err
}

func TestCredentialStore_PutGetDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "001A25123456"); err != nil || ok {
		t.Fatalf("Get() on empty store = ok %v, err %v", ok, err)
	}

	if err := store.Put(ctx, "00:1a:25:12:34:56", "first"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Put(ctx, "001A25123456", "second"); err != nil {
		t.Fatalf("Put() replace error = %v", err)
	}

	pw, ok, err := store.Get(ctx, "001a25123456")
	if err != nil || !ok {
		t.Fatalf("Get() = ok %v, err %v", ok, err)
	}
	if pw != "second" {
		t.Errorf("Get() = %q, want %q", pw, "second")
	}

	if err := store.Delete(ctx, "001A25123456"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := store.Get(ctx, "001A25123456"); ok {
		t.Error("Get() after Delete() still found a password")
	}
}

func TestResolvePassword(t *testing.T) {
	ctx := context.Background()
	params := SetupParams{
		Host:          "mediation.tydom.com",
		MAC:           "001A25123456",
		Email:         "owner@example.com",
		CloudPassword: "cloud-secret",
	}

	t.Run("configured password wins", func(t *testing.T) {
		ex := &fakeExchanger{password: "cloud"}
		p := params
		p.Password = "configured"

		pw, err := ResolvePassword(ctx, p, newTestStore(t), ex)
		if err != nil {
			t.Fatalf("ResolvePassword() error = %v", err)
		}
		if pw != "configured" || ex.calls != 0 {
			t.Errorf("ResolvePassword() = %q after %d exchanges, want configured and 0", pw, ex.calls)
		}
	})

	t.Run("exchange then cache", func(t *testing.T) {
		store := newTestStore(t)
		ex := &fakeExchanger{password: "derived"}

		for i := 0; i < 2; i++ {
			pw, err := ResolvePassword(ctx, params, store, ex)
			if err != nil {
				t.Fatalf("ResolvePassword() call %d error = %v", i, err)
			}
			if pw != "derived" {
				t.Errorf("ResolvePassword() call %d = %q, want derived", i, pw)
			}
		}
		if ex.calls != 1 {
			t.Errorf("exchanger called %d times, want 1", ex.calls)
		}
	})

	t.Run("exchange error is returned and not cached", func(t *testing.T) {
		store := newTestStore(t)
		ex := &fakeExchanger{err: ErrAuthentication}

		if _, err := ResolvePassword(ctx, params, store, ex); !errors.Is(err, ErrAuthentication) {
			t.Errorf("ResolvePassword() error = %v, want ErrAuthentication", err)
		}
		if _, ok, _ := store.Get(ctx, params.MAC); ok {
			t.Error("failed exchange left a cached password")
		}
	})

	t.Run("no password and no exchanger", func(t *testing.T) {
		if _, err := ResolvePassword(ctx, params, nil, nil); !errors.Is(err, ErrInvalidPassword) {
			t.Errorf("ResolvePassword() error = %v, want ErrInvalidPassword", err)
		}
	})
}
