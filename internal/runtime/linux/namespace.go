//go:build linux

package linux

import (
	"fmt"
	"os"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/runcell/runcell/internal/errdefs"
)

// Kind names a Linux namespace as it appears under /proc/<pid>/ns.
type Kind string

const (
	NSMount Kind = "mnt"
	NSPid   Kind = "pid"
	NSUts   Kind = "uts"
	NSIpc   Kind = "ipc"
	NSNet   Kind = "net"
)

// AllKinds is the default namespace set for a new container.
var AllKinds = []Kind{NSMount, NSPid, NSUts, NSIpc, NSNet}

var cloneFlag = map[Kind]uintptr{
	NSMount: syscall.CLONE_NEWNS,
	NSPid:   syscall.CLONE_NEWPID,
	NSUts:   syscall.CLONE_NEWUTS,
	NSIpc:   syscall.CLONE_NEWIPC,
	NSNet:   syscall.CLONE_NEWNET,
}

var setnsFlag = map[Kind]int{
	NSMount: unix.CLONE_NEWNS,
	NSPid:   unix.CLONE_NEWPID,
	NSUts:   unix.CLONE_NEWUTS,
	NSIpc:   unix.CLONE_NEWIPC,
	NSNet:   unix.CLONE_NEWNET,
}

// ParseKind validates a namespace name from a spec or state record.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case NSMount, NSPid, NSUts, NSIpc, NSNet:
		return Kind(s), nil
	}
	return "", errdefs.InvalidArgument("unknown namespace kind %q", s)
}

// CloneFlags builds the clone(2) bitmask for the given kinds, excluding
// any kind listed in skip. The PID namespace is typically excluded here
// and applied on the init launch instead, because CLONE_NEWPID only takes
// effect for the children of the process that carries it.
func CloneFlags(kinds []Kind, skip ...Kind) uintptr {
	var flags uintptr
	for _, k := range kinds {
		skipped := false
		for _, s := range skip {
			if k == s {
				skipped = true
				break
			}
		}
		if !skipped {
			flags |= cloneFlag[k]
		}
	}
	return flags
}

// Has reports whether kinds contains k.
func Has(kinds []Kind, k Kind) bool {
	for _, kk := range kinds {
		if kk == k {
			return true
		}
	}
	return false
}

// NamespacePath returns /proc/<pid>/ns/<kind> for a live process.
func NamespacePath(pid int, kind Kind) string {
	return fmt.Sprintf("/proc/%d/ns/%s", pid, kind)
}

// NamespacePaths maps each requested kind to its proc path for the state
// record.
func NamespacePaths(pid int, kinds []Kind) map[string]string {
	paths := make(map[string]string, len(kinds))
	for _, k := range kinds {
		paths[string(k)] = NamespacePath(pid, k)
	}
	return paths
}

// joinOrder is the setns ordering: pid before mnt so the subsequent fork
// lands in the target PID namespace, mnt last because it invalidates the
// old /proc view.
var joinOrder = []Kind{NSIpc, NSUts, NSNet, NSPid, NSMount}

// Join moves the calling thread into the namespaces of pid. All namespace
// files are opened before the first setns so a partially visible /proc
// cannot break the sequence. Partial setns cannot be undone: Join must only
// run in a disposable helper process whose thread is locked.
func Join(pid int, kinds []Kind) error {
	runtime.LockOSThread()

	fds := make(map[Kind]*os.File, len(kinds))
	defer func() {
		for _, f := range fds {
			f.Close()
		}
	}()

	for _, k := range joinOrder {
		if !Has(kinds, k) {
			continue
		}
		f, err := os.Open(NamespacePath(pid, k))
		if err != nil {
			return errdefs.IsolationFailure(fmt.Sprintf("open %s namespace of %d", k, pid), err)
		}
		fds[k] = f
	}

	for _, k := range joinOrder {
		f, ok := fds[k]
		if !ok {
			continue
		}
		if err := unix.Setns(int(f.Fd()), setnsFlag[k]); err != nil {
			return errdefs.IsolationFailure(fmt.Sprintf("setns %s", k), err)
		}
	}
	return nil
}
