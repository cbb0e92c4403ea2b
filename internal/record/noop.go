package record

// Noop discards every record. It is the default driver.
type Noop struct{}

func (Noop) RecordUsage(UsageRecord)       {}
func (Noop) RecordFeedback(FeedbackRecord) {}
func (Noop) Dropped() uint64               { return 0 }
func (Noop) Close() error                  { return nil }
