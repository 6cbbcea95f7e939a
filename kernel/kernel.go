package kernel

// Stats reports a point-in-time snapshot of kernel resource usage,
// populated by kernel/kmain.Machine.Stats.
type Stats struct {
	TotalMemory   uint64
	FreeMemory    uint64
	HeapInUse     uint64
	HeapFree      uint64
	TaskCount     int
	Ticks         uint64
	SwapSlotsFree uint64
}
