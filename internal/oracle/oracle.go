// Package oracle runs UCI engine subprocesses and answers "best move for
// this position" questions under a per-preset time budget.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/kapu/chessmentor-go/internal/obslog"
)

var (
	// ErrTimeout means the engine did not answer within the preset budget.
	ErrTimeout = errors.New("oracle timed out")
	// ErrUnavailable means no engine session could be acquired or started.
	ErrUnavailable = errors.New("oracle unavailable")
)

// Oracle hands out move suggestions backed by a per-preset pool of engine
// sessions.
type Oracle struct {
	pool *enginePool
}

// New verifies the engine binary exists and prepares the session pool.
// Sessions are started lazily on first use per preset.
func New(binaryPath string) (*Oracle, error) {
	if _, err := os.Stat(binaryPath); err != nil {
		return nil, fmt.Errorf("engine binary %q: %w", binaryPath, err)
	}
	return &Oracle{pool: newEnginePool(binaryPath)}, nil
}

// Suggest returns the engine's chosen move in UCI for the position reached by
// playing moves from the given FEN. The call never outlives the preset's time
// budget; deadline overruns surface as ErrTimeout.
func (o *Oracle) Suggest(ctx context.Context, fen string, moves []string, presetName string) (string, error) {
	preset, err := GetPreset(presetName)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, preset.TimeBudget())
	defer cancel()

	session, err := o.pool.lease(ctx, preset)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		obslog.L().Warn("oracle lease failed", zap.String("preset", preset.Name), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	move, err := session.Search(ctx, SearchRequest{
		FEN:    fen,
		Moves:  moves,
		Limits: preset.limits(),
	})
	o.pool.release(preset, session, err)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return move, nil
}

func (o *Oracle) Close() error {
	return o.pool.Close()
}
