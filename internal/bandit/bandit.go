// Package bandit implements a Thompson-sampling Beta-Bernoulli bandit
// over named strategy arms, persisted to SQLite. The single-connection,
// WAL-mode, busy-timeout setup is grounded on the teacher's
// store.NewLocalStore (internal/store/local_core.go); this package
// narrows that store's general-purpose schema down to the two tables
// the kernel's arm/outcome contract needs.
package bandit

import (
	"database/sql"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"safekernel/internal/kernelcore"
	"safekernel/internal/logging"
)

// Bandit is a Beta-Bernoulli Thompson-sampling bandit over named arms,
// backed by a single-writer SQLite database.
type Bandit struct {
	db *sql.DB
	mu sync.Mutex
	// rng is injected so Select is reproducible in tests; cmd/kernel
	// seeds it from crypto/rand.
	rng *rand.Rand
}

// Open opens (or creates) the bandit database at path and ensures its
// schema exists.
func Open(path string, rng *rand.Rand) (*Bandit, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("bandit: create directory: %w", err)
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("bandit: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.BanditDebug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.BanditDebug("failed to set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.BanditDebug("failed to set synchronous=NORMAL: %v", err)
	}

	b := &Bandit{db: db, rng: rng}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bandit) migrate() error {
	_, err := b.db.Exec(`
CREATE TABLE IF NOT EXISTS arms (
	arm_id     TEXT PRIMARY KEY,
	alpha      INTEGER NOT NULL DEFAULT 1,
	beta       INTEGER NOT NULL DEFAULT 1,
	updated_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS outcomes (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	ts         INTEGER NOT NULL,
	arm_id     TEXT NOT NULL,
	reward     INTEGER NOT NULL,
	episode_id TEXT NOT NULL DEFAULT ''
);
`)
	if err != nil {
		return fmt.Errorf("bandit: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (b *Bandit) Close() error {
	return b.db.Close()
}

// ensureArm inserts a fresh (alpha=1, beta=1) row for armID if it does
// not already exist, per the kernel's Beta(1,1) prior.
func (b *Bandit) ensureArm(armID string) error {
	_, err := b.db.Exec(
		`INSERT INTO arms (arm_id, alpha, beta, updated_at) VALUES (?, 1, 1, 0)
		 ON CONFLICT(arm_id) DO NOTHING`, armID)
	return err
}

// State returns the current (alpha, beta) of armID, creating it with the
// prior (1,1) if it has never been observed.
func (b *Bandit) State(armID string) (kernelcore.BanditArmState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureArm(armID); err != nil {
		return kernelcore.BanditArmState{}, fmt.Errorf("bandit: ensure arm: %w", err)
	}
	row := b.db.QueryRow(`SELECT arm_id, alpha, beta, updated_at FROM arms WHERE arm_id = ?`, armID)
	var s kernelcore.BanditArmState
	if err := row.Scan(&s.ArmID, &s.Alpha, &s.Beta, &s.UpdatedAt); err != nil {
		return kernelcore.BanditArmState{}, fmt.Errorf("bandit: read arm: %w", err)
	}
	return s, nil
}

// Select samples theta ~ Beta(alpha, beta) for every arm in armIDs and
// returns the arm with the highest sampled theta, breaking ties by the
// order armIDs were given (the first tied arm wins), so Select stays
// deterministic for a given rng seed and input order.
func (b *Bandit) Select(armIDs []string) (string, error) {
	if len(armIDs) == 0 {
		return "", fmt.Errorf("bandit: select: no arms given")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	best := ""
	bestTheta := -1.0
	for _, armID := range armIDs {
		if err := b.ensureArm(armID); err != nil {
			return "", fmt.Errorf("bandit: ensure arm: %w", err)
		}
		row := b.db.QueryRow(`SELECT alpha, beta FROM arms WHERE arm_id = ?`, armID)
		var alpha, beta int64
		if err := row.Scan(&alpha, &beta); err != nil {
			return "", fmt.Errorf("bandit: read arm: %w", err)
		}
		theta := sampleBeta(b.rng, float64(alpha), float64(beta))
		if theta > bestTheta {
			bestTheta = theta
			best = armID
		}
	}
	logging.BanditDebug("select: chose arm %s (theta=%.4f) among %v", best, bestTheta, armIDs)
	return best, nil
}

// Update records one Bernoulli outcome for armID and increments alpha
// (reward=1) or beta (reward=0) accordingly. Alpha and beta are
// monotonically non-decreasing across the bandit's lifetime. episodeID
// correlates the outcome row back to the ledger episode_begin entry that
// produced it; pass "" if the outcome is not tied to an episode.
func (b *Bandit) Update(armID string, reward int, observedAt int64, episodeID string) error {
	if reward != 0 && reward != 1 {
		return fmt.Errorf("bandit: update: reward must be 0 or 1, got %d", reward)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureArm(armID); err != nil {
		return fmt.Errorf("bandit: ensure arm: %w", err)
	}

	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("bandit: begin tx: %w", err)
	}
	defer tx.Rollback()

	if reward == 1 {
		if _, err := tx.Exec(`UPDATE arms SET alpha = alpha + 1, updated_at = ? WHERE arm_id = ?`, observedAt, armID); err != nil {
			return fmt.Errorf("bandit: update alpha: %w", err)
		}
	} else {
		if _, err := tx.Exec(`UPDATE arms SET beta = beta + 1, updated_at = ? WHERE arm_id = ?`, observedAt, armID); err != nil {
			return fmt.Errorf("bandit: update beta: %w", err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO outcomes (ts, arm_id, reward, episode_id) VALUES (?, ?, ?, ?)`, observedAt, armID, reward, episodeID); err != nil {
		return fmt.Errorf("bandit: insert outcome: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("bandit: commit: %w", err)
	}
	logging.Bandit("update: arm=%s reward=%d episode=%s", armID, reward, episodeID)
	return nil
}

// sampleBeta draws one sample from Beta(alpha, beta) using the standard
// Gamma-ratio construction: X ~ Gamma(alpha,1), Y ~ Gamma(beta,1),
// X/(X+Y) ~ Beta(alpha,beta).
func sampleBeta(rng *rand.Rand, alpha, beta float64) float64 {
	x := sampleGamma(rng, alpha)
	y := sampleGamma(rng, beta)
	return x / (x + y)
}

// sampleGamma draws one sample from Gamma(shape, 1) via Marsaglia and
// Tsang's method, valid for shape >= 1; integer Beta-Bernoulli arm
// parameters in this package are always >= 1 by construction (the prior
// is (1,1) and updates only increment).
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	d := shape - 1.0/3.0
	c := 1.0 / (3.0 * math.Sqrt(d))
	for {
		var x, v float64
		for {
			x = rng.NormFloat64()
			v = 1.0 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1.0-0.0331*(x*x)*(x*x) {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1.0-v+math.Log(v)) {
			return d * v
		}
	}
}
