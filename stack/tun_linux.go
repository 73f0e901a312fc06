package stack

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// tunIoctlIfreq is the minimal struct layout TUNSETIFF needs: an
// interface name followed by the flags word, padded to the kernel's
// struct ifreq size.
type tunIoctlIfreq struct {
	name  [unix.IFNAMSIZ]byte
	flags uint16
	_     [22]byte
}

// tunSetIff issues the TUNSETIFF ioctl that binds an open /dev/net/tun fd
// to a specific interface name and mode, mirroring the raw syscall dance
// original_source's platform layer performs to hand a TUN fd to the
// network interface element.
func tunSetIff(fd int, req *tunIoctlIfreq) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(req)))
	if errno != 0 {
		return errno
	}
	return nil
}
