package strata

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stratavcs/strata/pkg/interfaces"
)

// Config configures a repository handle. Only Path is required; every
// other field overrides the corresponding strata.yaml tuning value, and
// zero means "use the tuning file (or its default)".
type Config struct {
	// Path is the repository directory. Created if missing.
	Path string
	// Logger is an optional structured logger. If nil, a stderr logger
	// is used.
	Logger *logrus.Logger
	// Hooks are the registered extension points. Nil means no hooks.
	Hooks interfaces.Hooks

	// DeltaRatio is the largest delta/content size fraction stored as a
	// delta instead of a snapshot.
	DeltaRatio float64
	// MaxChainLen bounds delta chain lengths.
	MaxChainLen int
	// BlobThreshold routes contents of at least this many bytes to the
	// external blob store.
	BlobThreshold int
	// LockTimeout bounds how long a writer waits for the exclusive lock.
	LockTimeout time.Duration
}
