package publisher

import (
	"context"
	"time"

	"github.com/google/uuid"

	logx "postpilot/pkg/logx"
)

// DryRun logs the payload and reports success without contacting a platform.
type DryRun struct {
	log logx.Logger
	now func() time.Time
}

func NewDryRun(log logx.Logger) *DryRun {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DryRun{log: log.With(logx.Comp("publisher.dryrun")), now: time.Now}
}

func (d *DryRun) Publish(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	id := "dry-" + uuid.NewString()
	d.log.Info("publish (dry run)",
		logx.Item(req.ItemID),
		logx.User(req.UserID),
		logx.String("type", string(req.Type)),
		logx.Int("chars", len([]rune(req.Text))),
		logx.String("external_id", id),
	)
	return Result{ExternalID: id, PostedAt: d.now().UTC()}, nil
}
