// Command kernel boots the simulated machine (clock, disks, terminals,
// MMU), wires up the process/mailbox/semaphore/driver/VM subsystems
// via package kernel, and runs a small init workload that drives the
// major syscall opcodes through the syscall package's Dispatch table
// before halting.
package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/oskernel/gopheros/internal/config"
	"github.com/oskernel/gopheros/internal/kerrors"
	"github.com/oskernel/gopheros/internal/kernel"
	"github.com/oskernel/gopheros/internal/kernel/proc"
	syscalls "github.com/oskernel/gopheros/internal/kernel/syscall"
	"github.com/oskernel/gopheros/internal/logging"
	"github.com/oskernel/gopheros/internal/machine"
)

const (
	pageSize   = 4096
	regionBase = uintptr(0x10000000)
)

func main() {
	var (
		configPath string
		logLevel   string
		dumpOnHalt bool
	)

	root := &cobra.Command{
		Use:   "kernel",
		Short: "Boot the simulated-machine kernel and run its init workload",
		Long: `kernel boots the process table, mailbox IPC layer, device
drivers, and VM pager atop a simulated clock/disk/terminal machine, then
runs a small built-in init workload that exercises fork/join, mailbox
IPC, disk I/O, and demand paging before halting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return boot(configPath, logLevel, dumpOnHalt)
		},
	}

	// pflag directly for the tunables override flag: a standalone flag
	// set independent of the cobra command tree wiring the rest of the
	// CLI, so other entrypoints can reuse it without cobra.
	fs := pflag.NewFlagSet("kernel", pflag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "optional yaml file overriding the compile-time tunables")
	root.Flags().AddFlagSet(fs)
	root.Flags().StringVar(&logLevel, "log-level", "info", "logrus level: debug, info, warn, error")
	root.Flags().BoolVar(&dumpOnHalt, "dump-on-halt", false, "print the process table, mailbox table, and VM stats before exiting")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func boot(configPath, logLevel string, dumpOnHalt bool) error {
	tun, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading tunables: %w", err)
	}
	log := logging.New(logLevel)

	tick := time.Duration(tun.ClockTickMS) * time.Millisecond
	clock := machine.NewClock(tick, int64(tun.ClockTickMS)*1000)

	disks := make([]*machine.Disk, tun.NumDisks)
	for i := range disks {
		disks[i] = machine.NewDisk(tun.DiskTracks, tun.DiskTrackSize, tun.DiskSectorSize)
	}
	terms := make([]*machine.Terminal, tun.NumTerminals)
	for i := range terms {
		terms[i] = machine.NewTerminal()
	}
	mmu := machine.NewMMU(pageSize, regionBase)

	k := kernel.New(tun, log, clock, disks, terms, mmu)

	k.Boot(func(string) int {
		// sentinel: the scheduler's fallback when nothing else is
		// runnable. It never does real work.
		select {}
	})

	done := make(chan int, 1)
	_, code := k.Proc.Fork("init", func(string) int {
		status := runInit(k)
		done <- status
		return status
	}, "", tun.MinStack, proc.Lowest)
	if code != kerrors.OK {
		return fmt.Errorf("forking init process: %v", code)
	}

	status := <-done

	if dumpOnHalt {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "-- process table --")
		k.Proc.DumpProcesses(w)
		fmt.Fprintln(w, "-- mailbox table --")
		k.Mbox.Dump(w)
		stats := k.VM.ReadStats()
		fmt.Fprintf(w, "-- vm stats --\nfaults=%d new=%d page-ins=%d page-outs=%d replaced=%d free-frames=%d free-blocks=%d\n",
			stats.Faults, stats.New, stats.PageIns, stats.PageOuts, stats.Replaced, stats.FreeFrames, stats.FreeBlocks)
		w.Flush()
	}

	os.Exit(status)
	return nil
}

// runInit is the built-in init program. Its own calls go through
// syscalls.Dispatch rather than the subsystem methods, so the dispatch
// table itself gets run end to end on every boot; the child bodies it
// spawns call the mailbox and VM methods directly.
func runInit(k *kernel.Kernel) int {
	syscalls.Dispatch(k, syscalls.Args{
		Number: syscalls.Spawn,
		Arg1:   "greeter",
		Arg2: proc.Entry(func(string) int {
			mid, code := k.Mbox.Create(1, 32)
			if code == kerrors.OK {
				k.Mbox.Send(mid, []byte("hello from init's child"))
				k.Mbox.Release(mid)
			}
			return 0
		}),
		Arg3: "",
		Arg4: k.Tun.MinStack,
		Arg5: proc.Highest,
	})

	syscalls.Dispatch(k, syscalls.Args{Number: syscalls.Wait})

	// vm_init must run before any process that touches VM-managed
	// memory forks, since a process's page table is sized from
	// virtPages at fork time (proc.Table's OnFork hook). init itself
	// forked before vm_init ran, so it spawns a dedicated child here
	// rather than touching the mapped region itself.
	vmReply := syscalls.Dispatch(k, syscalls.Args{Number: syscalls.VMInit, Arg1: 1, Arg2: 4, Arg3: 4, Arg4: 1})
	if code, _ := vmReply.Arg2.(kerrors.Code); code == kerrors.OK {
		base, _ := vmReply.Arg1.(uintptr)
		syscalls.Dispatch(k, syscalls.Args{
			Number: syscalls.Spawn,
			Arg1:   "vmuser",
			Arg2: proc.Entry(func(string) int {
				pid := k.Proc.GetPid()
				buf := []byte("vm round trip")
				if code := k.VM.Write(pid, base, buf); code == kerrors.OK {
					out := make([]byte, len(buf))
					k.VM.Read(pid, base, out)
				}
				return 0
			}),
			Arg3: "",
			Arg4: k.Tun.MinStack,
			Arg5: proc.Lowest,
		})
		syscalls.Dispatch(k, syscalls.Args{Number: syscalls.Wait})
	}

	if len(k.Disks) > 0 {
		syscalls.Dispatch(k, syscalls.Args{Number: syscalls.DiskWrite, Arg1: 0, Arg2: 0, Arg3: 0, Arg4: []byte("disk round trip")})
		syscalls.Dispatch(k, syscalls.Args{Number: syscalls.DiskRead, Arg1: 0, Arg2: 0, Arg3: 0, Arg4: 1})
	}

	syscalls.Dispatch(k, syscalls.Args{Number: syscalls.VMCleanup})
	syscalls.Dispatch(k, syscalls.Args{Number: syscalls.Sleep, Arg1: 0})

	return 0
}
