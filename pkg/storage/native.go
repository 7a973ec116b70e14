package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirpekel/memtree/pkg/memerr"
)

// NativeSnapshot copies the whole database to a standalone file using
// the backend's own mechanism. Only SQLite supports this, via VACUUM
// INTO; other dialects report BackendUnavailable and callers keep the
// row-payload snapshot alone.
func (s *SQL) NativeSnapshot(ctx context.Context, path string) error {
	if s.dialect != "sqlite" {
		return memerr.Newf(memerr.KindBackendUnavailable, "storage.native_snapshot",
			"native snapshots are not supported on %s", s.dialect)
	}
	escaped := strings.ReplaceAll(path, "'", "''")
	return s.ExecDDL(ctx, fmt.Sprintf("VACUUM INTO '%s'", escaped))
}
