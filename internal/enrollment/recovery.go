package enrollment

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const recoveryRunTimeout = 4 * time.Minute

// StartRecovery periodically resumes stalled enrollment attempts.
// The caller stops the returned scheduler.
func StartRecovery(e Enrollment, schedule string, zaplog *zap.Logger) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))

	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), recoveryRunTimeout)
		defer cancel()

		completed, err := e.Resume(ctx)
		if err != nil {
			zaplog.Error("enrollment recovery", zap.Error(err))
			return
		}
		if completed > 0 {
			zaplog.Info("enrollment recovery completed attempts", zap.Int("completed", completed))
		}
	})
	if err != nil {
		return nil, err
	}

	zaplog.Info("enrollment recovery started", zap.String("schedule", schedule))
	c.Start()
	return c, nil
}
