//go:build linux

package linux

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/runcell/runcell/internal/errdefs"
)

// hostDevices are the standard device nodes bind-mounted from the host
// into the container's /dev. Bind mounts avoid mknod, which can be refused
// under user namespaces or restrictive LSM policy.
var hostDevices = []string{"null", "zero", "full", "random", "urandom", "tty"}

// PrepareRootfs turns rootfs into the process's root filesystem. It must
// run inside the container's new mount namespace; every mount made here is
// invisible to the host. The first failing step aborts with an
// IsolationFailure naming the step — the caller exits and the intermediate
// reports the failure upstream.
func PrepareRootfs(rootfs string) error {
	// Recursively privatize the inherited tree first so nothing below
	// propagates back to the host.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return errdefs.IsolationFailure("make mount tree private", err)
	}

	// pivot_root requires the new root to be a mount point.
	if err := unix.Mount(rootfs, rootfs, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return errdefs.IsolationFailure(fmt.Sprintf("bind rootfs %s", rootfs), err)
	}

	if err := mountDefaults(rootfs); err != nil {
		return err
	}

	if err := bindHostDevices(rootfs); err != nil {
		return err
	}

	return pivotInto(rootfs)
}

func mountDefaults(rootfs string) error {
	type mnt struct {
		target string
		source string
		fstype string
		flags  uintptr
		data   string
	}
	mounts := []mnt{
		{"proc", "proc", "proc", 0, ""},
		{"sys", "sysfs", "sysfs", unix.MS_RDONLY, ""},
		{"dev", "tmpfs", "tmpfs", unix.MS_NOSUID, "mode=755"},
		{"dev/pts", "devpts", "devpts", 0, "newinstance,ptmxmode=0666,mode=620"},
		{"dev/shm", "shm", "tmpfs", unix.MS_NOSUID | unix.MS_NODEV, "mode=1777"},
	}

	for _, m := range mounts {
		target := filepath.Join(rootfs, m.target)
		if err := os.MkdirAll(target, 0755); err != nil {
			return errdefs.IsolationFailure(fmt.Sprintf("mkdir %s", target), err)
		}
		if err := unix.Mount(m.source, target, m.fstype, m.flags, m.data); err != nil {
			return errdefs.IsolationFailure(fmt.Sprintf("mount %s", m.target), err)
		}
	}

	// /dev/ptmx refers into the private devpts instance.
	ptmx := filepath.Join(rootfs, "dev", "ptmx")
	if err := os.Symlink("pts/ptmx", ptmx); err != nil && !os.IsExist(err) {
		return errdefs.IsolationFailure("symlink /dev/ptmx", err)
	}

	return nil
}

func bindHostDevices(rootfs string) error {
	for _, name := range hostDevices {
		src := filepath.Join("/dev", name)
		if _, err := os.Stat(src); err != nil {
			// Hosts without the node (minimal chroots) just skip it.
			continue
		}
		dst := filepath.Join(rootfs, "dev", name)
		if err := os.WriteFile(dst, nil, 0666); err != nil {
			return errdefs.IsolationFailure(fmt.Sprintf("create device stub %s", name), err)
		}
		if err := unix.Mount(src, dst, "", unix.MS_BIND, ""); err != nil {
			return errdefs.IsolationFailure(fmt.Sprintf("bind device %s", name), err)
		}
	}
	return nil
}

// pivotInto swaps the root to rootfs using the pivot_root(".", ".") form:
// after the call the old root is stacked underneath the new one at the
// same path, and a lazy unmount of "." drops it.
func pivotInto(rootfs string) error {
	if err := unix.Chdir(rootfs); err != nil {
		return errdefs.IsolationFailure(fmt.Sprintf("chdir %s", rootfs), err)
	}
	if err := unix.PivotRoot(".", "."); err != nil {
		return errdefs.IsolationFailure("pivot_root", err)
	}
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return errdefs.IsolationFailure("unmount old root", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return errdefs.IsolationFailure("chdir /", err)
	}
	return nil
}

// SetHostname applies the container hostname inside the UTS namespace.
func SetHostname(name string) error {
	if err := unix.Sethostname([]byte(name)); err != nil {
		return errdefs.IsolationFailure("sethostname", err)
	}
	return nil
}
