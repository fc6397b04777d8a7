package elfwriter

const (
	ProcmemHeaderNoteType = 0x50524d48 // PRMH
	ProcmemMapsNoteType   = 0x50524d4d // PRMM

	ProcmemHeaderTargetPidPrefix  = "Target Pid: "
	ProcmemHeaderEntryPointPrefix = "Entry Point: "
)
