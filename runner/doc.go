/*
Package runner defines the contract for launching a program from source text and talking to it while it runs.

A Runner turns program text into a Handle. The Handle exposes a writable input stream, the two readable output streams, an awaitable result, and a forceful Kill.

Implementations live in subpackages:

  - local runs the program with a host interpreter (python3 by default), one process group per run
  - lua runs the program in an embedded gopher-lua state
  - docker runs the program inside a throwaway Docker container

Runners do not buffer output. If nobody reads Stdout and Stderr, the program eventually blocks on a full pipe.
*/
package runner
