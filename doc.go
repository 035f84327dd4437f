// Execute code from a cache instead of where it was loaded
//
// nxjit strips execute permission from a module's code sections and lets the
// CPU tell us when something tries to run there. Each fault lands in a
// vectored exception handler which decodes the straight-line run of
// instructions starting at the faulting address (a branch region), rewrites
// it into an executable buffer within rel32 reach of the original, and
// resumes the thread in the copy. The next fault at the same address is
// served from the cache.
//
// Limitations:
//   - Only supports amd64
//   - The fault hook only exists on Windows; elsewhere the Go runtime owns
//     SIGSEGV so Install returns ErrUnsupported
//   - Translated code is never freed and never invalidated, so
//     self-modifying code will keep running the stale copy
//   - Probably some bugs I don't know about.
package nxjit
