//go:build unix && !linux && !freebsd

package nxjit

// Darwin, NetBSD and OpenBSD have nothing like MAP_FIXED_NOREPLACE, and
// MAP_FIXED would clobber whatever is already mapped there. The address is
// passed as a hint and mapAt checks where the mapping actually landed.
//
// https://developer.apple.com/library/archive/documentation/System/Conceptual/ManPages_iPhoneOS/man2/mmap.2.html
// https://man.netbsd.org/mmap.2
// https://man.openbsd.org/mmap.2
const _MAP_FIXED_NOREPLACE = 0
