package enums

// SyncStrategy records how a catalog check was resolved.
type SyncStrategy string

const (
	SyncStrategyUpToDate    SyncStrategy = "up_to_date"
	SyncStrategyIncremental SyncStrategy = "incremental"
	SyncStrategyFull        SyncStrategy = "full"
	SyncStrategySkipped     SyncStrategy = "skipped"
)

// String implements fmt.Stringer.
func (s SyncStrategy) String() string {
	return string(s)
}

// Transferred reports whether the strategy downloaded catalog data.
func (s SyncStrategy) Transferred() bool {
	return s == SyncStrategyIncremental || s == SyncStrategyFull
}
