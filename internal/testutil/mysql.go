//go:build integration

package testutil

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/tphakala/birdnet-sync/internal/conf"
)

const mysqlImage = "mysql:8.4"

// SkipIfNoDocker skips the test if Docker is not available.
func SkipIfNoDocker(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if exec.CommandContext(ctx, "docker", "info").Run() != nil {
		t.Skip("Skipping test: Docker not available")
	}
}

// StartMySQL runs a throwaway MySQL server and returns central settings
// pointing at it.
func StartMySQL(t *testing.T) conf.CentralSettings {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	SkipIfNoDocker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	ctr, err := tcmysql.Run(ctx, mysqlImage,
		tcmysql.WithDatabase("birds"),
		tcmysql.WithUsername("sync"),
		tcmysql.WithPassword("sync-secret"),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "3306/tcp")
	require.NoError(t, err)

	return conf.CentralSettings{
		Type: "mysql",
		MySQL: conf.MySQLSettings{
			Host:     host,
			Port:     port.Int(),
			Username: "sync",
			Password: "sync-secret",
			Database: "birds",
		},
		MaxOpenConns:   4,
		ConnectTimeout: 10 * time.Second,
	}
}
