package busnode

import (
	"lanbus/internal/uiutil"
)

func PrintBanner(p Printer, a *App) {
	p.Println()
	p.Println("Node started.")
	p.Printf("Name:           %s\n", uiutil.FormatProc(a.cfg.Name, a.Engine.PUuid()))
	p.Printf("Process UUID:   %s\n", a.Engine.PUuid())
	p.Printf("Node UUID:      %s\n", a.nUuid)
	p.Printf("Host addr:      %s\n", a.Engine.HostAddr())
	p.Println()
	PrintCommands(p)
	p.Println()
}

func PrintCommands(p Printer) {
	p.Println("Commands:")
	p.Println("    /adv <topic> <addr> <ctrl> [scope]     - advertise a message topic")
	p.Println("    /advsrv <topic> <addr> <ctrl> [scope]  - advertise a service")
	p.Println("    /unadv <topic>                         - withdraw a message topic")
	p.Println("    /unadvsrv <topic>                      - withdraw a service")
	p.Println("    /discover <topic>                      - ask the LAN for a topic")
	p.Println("    /discoversrv <topic>                   - ask the LAN for a service")
	p.Println("    /watch <topic>                         - keep asking until found")
	p.Println("    /topics                                - show known topics")
	p.Println("    /state                                 - dump the discovery state")
	p.Println("    /cache                                 - show the persisted endpoint cache")
	p.Println("    /quit                                  - exit")
}
