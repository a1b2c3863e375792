package banner

import (
	"fmt"
	"time"

	"notesync/pkg/config"
)

const banner = `
███╗   ██╗ ██████╗ ████████╗███████╗███████╗██╗   ██╗███╗   ██╗ ██████╗
████╗  ██║██╔═══██╗╚══██╔══╝██╔════╝██╔════╝╚██╗ ██╔╝████╗  ██║██╔════╝
██╔██╗ ██║██║   ██║   ██║   █████╗  ███████╗ ╚████╔╝ ██╔██╗ ██║██║
██║╚██╗██║██║   ██║   ██║   ██╔══╝  ╚════██║  ╚██╔╝  ██║╚██╗██║██║
██║ ╚████║╚██████╔╝   ██║   ███████╗███████║   ██║   ██║ ╚████║╚██████╗
╚═╝  ╚═══╝ ╚═════╝    ╚═╝   ╚══════╝╚══════╝   ╚═╝   ╚═╝  ╚═══╝ ╚═════╝
`

// PrintWithEff prints the startup banner using an EffectiveConfigResult
// so runtime info (listen address, db path, config source) is shown
// centrally.
func PrintWithEff(eff config.EffectiveConfigResult, version string) {
	addr := eff.Addr
	if addr == "" && eff.Config != nil {
		addr = eff.Config.Addr()
	}
	dbPath := eff.DBPath
	if dbPath == "" && eff.Config != nil {
		dbPath = eff.Config.Server.DBPath
	}
	src := eff.Source
	if src == "" {
		src = "flags"
	}

	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("DB Path:  %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Printf("Config sources: %s\n", src)
	if eff.Config != nil {
		fmt.Printf("Heartbeat: %s (liveness x%d)\n",
			time.Duration(eff.Config.Collab.Heartbeat), eff.Config.Collab.LivenessMultiplier)
		fmt.Printf("Snapshots: every %s or %d ops\n",
			time.Duration(eff.Config.Collab.SnapshotInterval), eff.Config.Collab.SnapshotOps)
	}
	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("WS   /ws/{note}                - Join a collaborative editing session")
	fmt.Println("GET  /v1/notes/{id}            - Note metadata (JSON response)")
	fmt.Println("GET  /v1/notes/{id}/versions   - Version history, newest first")
	fmt.Println("POST /v1/notes/{id}/snapshot   - Force a version snapshot")
	fmt.Println("\n== Examples ===================================================")
	fmt.Printf("curl 'http://localhost%s/v1/notes/n1/versions?limit=10'\n", addr)
	fmt.Printf("wscat -c 'ws://localhost%s/ws/n1' -H 'X-User-ID: alice'\n", addr)
}
