package cpu

// hook types, numbered the way Unicorn numbers them
const (
	// interrupt or exception taken
	HOOK_INTR = 1

	// return from an interrupt or exception handler (RTE)
	HOOK_INTR_EXIT = 2

	// each executed instruction
	HOOK_CODE = 4

	// each executed basic block
	HOOK_BLOCK = 8

	HOOK_MEM_READ  = 1024
	HOOK_MEM_WRITE = 2048
	HOOK_MEM_FETCH = 4096

	// every memory fault
	HOOK_MEM_ERR = 1008
)

// fault kinds passed to HOOK_MEM_ERR callbacks
const (
	MEM_READ_UNMAPPED  = 19
	MEM_WRITE_UNMAPPED = 20
	MEM_FETCH_UNMAPPED = 21
	MEM_WRITE_PROT     = 12
	MEM_READ_PROT      = 13
	MEM_FETCH_PROT     = 14
)

const (
	PROT_NONE  = 0
	PROT_READ  = 1
	PROT_WRITE = 2
	PROT_EXEC  = 4
	PROT_ALL   = 7
)

// access kinds passed to memory hooks
const (
	MEM_WRITE = 16
	MEM_READ  = 17
	MEM_FETCH = 18
)
