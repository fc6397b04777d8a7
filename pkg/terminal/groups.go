package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	mapCmds
	symbolCmds
	dataCmds
	targetCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Viewing the memory map and loaded modules", mapCmds},
	{"Resolving symbols", symbolCmds},
	{"Reading and writing memory", dataCmds},
	{"Controlling the target", targetCmds},
	{"Other commands", otherCmds},
}
