// Command penos boots a hosted PenOS Machine over simulated RAM and a
// host-file-backed swap device, then idles — a thin trampoline analogous
// to a real kernel's rt0 stub, kept deliberately free of policy so the
// interesting boot sequence lives in kernel/kmain where it can be tested.
package main

import (
	"os"

	"github.com/ShaonMajumder/PenOS/kernel/block"
	"github.com/ShaonMajumder/PenOS/kernel/cpu"
	"github.com/ShaonMajumder/PenOS/kernel/kfmt"
	"github.com/ShaonMajumder/PenOS/kernel/kmain"
	"github.com/ShaonMajumder/PenOS/kernel/mem"
)

func main() {
	swapPath := os.Getenv("PENOS_SWAP_FILE")
	if swapPath == "" {
		swapPath = "penos.swap"
	}

	dev, err := block.OpenFileDevice(swapPath, 4096) // 2 MiB of swap
	if err != nil {
		kfmt.Printf("fatal: open swap device: %s\n", err.Error())
		os.Exit(1)
	}
	defer dev.Close()

	m, berr := kmain.Boot(64*mem.Mb, dev, mem.KernelImageStart+uintptr(4*mem.Mb))
	if berr != nil {
		kfmt.Printf("fatal: boot failed: %s\n", berr.Error())
		os.Exit(1)
	}

	stats := m.Stats()
	kfmt.Printf("%s", m.Console.String())
	kfmt.Printf("sysinfo: free=%d/%d heap_in_use=%d tasks=%d ticks=%d swap_free=%d\n",
		stats.FreeMemory, stats.TotalMemory, stats.HeapInUse, uint64(stats.TaskCount), stats.Ticks, stats.SwapSlotsFree)
	cpu.Halt()
}
