//go:build integration

package identity_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"trustedge/internal/identity"
	"trustedge/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	store *identity.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	pg := containers.NewPostgresContainer(s.T())

	store, err := identity.NewPostgresStore(context.Background(), pg.URL)
	s.Require().NoError(err)
	s.store = store
}

func (s *PostgresStoreSuite) TearDownSuite() {
	if s.store != nil {
		s.store.Close()
	}
}

func (s *PostgresStoreSuite) TestRoundtrip() {
	ctx := context.Background()

	_, err := s.store.Get(ctx, "missing")
	s.ErrorIs(err, identity.ErrNotFound)

	s.Require().NoError(s.store.Put(ctx, "k", "v", time.Hour))
	got, err := s.store.Get(ctx, "k")
	s.Require().NoError(err)
	s.Equal("v", got)

	s.Run("expired rows are invisible", func() {
		s.Require().NoError(s.store.Put(ctx, "stale", "v", -time.Minute))
		_, err := s.store.Get(ctx, "stale")
		s.ErrorIs(err, identity.ErrNotFound)
	})

	s.Require().NoError(s.store.Del(ctx, "k"))
	_, err = s.store.Get(ctx, "k")
	s.ErrorIs(err, identity.ErrNotFound)
}

func (s *PostgresStoreSuite) TestConcurrentIncr() {
	ctx := context.Background()
	const goroutines = 50

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.store.Incr(ctx, identity.VisitsKey("abc"))
			s.NoError(err)
		}()
	}
	wg.Wait()

	got, err := s.store.Get(ctx, identity.VisitsKey("abc"))
	s.Require().NoError(err)
	s.Equal("50", got)
}
