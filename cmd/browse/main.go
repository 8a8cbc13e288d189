package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reliquary/matchbrowse/pkg/beacon"
	"github.com/reliquary/matchbrowse/pkg/browse"
	"github.com/reliquary/matchbrowse/pkg/protocol"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	addrs := flag.String("addr", "", "comma-separated beacon addresses to sweep")
	mode := flag.String("mode", "All", "game mode filter")
	text := flag.String("text", "", "quick text filter (case-sensitive substring of name)")
	sortCol := flag.String("sort", "ping", "sort column: name, map, mode, players, spectators, ping")
	desc := flag.Bool("desc", false, "sort descending")
	hideUnresponsive := flag.Bool("hide-unresponsive", true, "hide servers that are not answering")
	lan := flag.Bool("lan", false, "local-network sweep with the short LAN search timeout")
	demo := flag.Bool("demo", false, "spin up local demo beacons instead of -addr")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	logger := zap.NewNop()
	if *verbose {
		var err error
		logger, err = zap.NewDevelopment()
		if err != nil {
			log.Fatalf("logger: %v", err)
		}
	}

	config, err := browse.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var handles []browse.SessionHandle
	switch {
	case *demo:
		hosts, demoHandles := startDemoBeacons(logger)
		defer func() {
			for _, h := range hosts {
				h.Stop()
			}
		}()
		handles = demoHandles
	case *addrs != "":
		for i, addr := range strings.Split(*addrs, ",") {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}
			h := browse.SessionHandle{
				ID:         browse.SessionID(fmt.Sprintf("cli-%d", i)),
				Name:       addr,
				BeaconAddr: addr,
				GameAddr:   addr,
			}
			if *lan {
				h.Flags |= browse.FlagLAN
			}
			handles = append(handles, h)
		}
	default:
		fmt.Fprintln(os.Stderr, "nothing to sweep: pass -addr or -demo")
		flag.Usage()
		os.Exit(2)
	}

	// The static searcher stands in for the online backend; the filter
	// still carries the LAN flag and its short timeout.
	searcher := browse.NewStaticSearcher(handles)
	filter := config.SearchFilter(*lan)
	found := make(chan []browse.SessionHandle, 1)
	err = searcher.FindSessions(filter, func(results []browse.SessionHandle, err error) {
		if err != nil {
			logger.Warn("session search failed", zap.Error(err))
		}
		found <- results
	})
	if err != nil {
		log.Fatalf("search: %v", err)
	}

	store := browse.NewCandidateStore()
	cands := store.ReconcileServers(<-found)

	probeCfg := config.ProbeConfig()
	probeCfg.Logger = logger
	settled := make(chan struct{})
	sched := browse.NewProbeScheduler(store, browse.SchedulerOptions{
		Window: config.Probe.ServerWindow,
		Logger: logger,
		Opener: func(c *browse.Candidate, onDone func(*browse.ProbeResult)) browse.ProbeHandle {
			return browse.OpenProbe(c, probeCfg, onDone)
		},
		OnSettled: func() { close(settled) },
	})
	sched.Begin(cands)
	<-settled

	all := store.Servers()
	shown := browse.FilterServers(all, browse.FilterOptions{
		GameMode:         *mode,
		QuickText:        *text,
		HideUnresponsive: *hideUnresponsive && config.Filter.HideUnresponsive,
	})
	browse.Sort(shown, browse.SortState{Column: parseSortColumn(*sortCol), Descending: *desc})

	printTable(shown)
}

func parseSortColumn(name string) browse.SortColumn {
	switch strings.ToLower(name) {
	case "name":
		return browse.SortByName
	case "map":
		return browse.SortByMap
	case "mode":
		return browse.SortByGameMode
	case "players":
		return browse.SortByPlayers
	case "spectators":
		return browse.SortBySpectators
	case "ping":
		return browse.SortByPing
	default:
		log.Fatalf("unknown sort column %q", name)
		return browse.SortByPing
	}
}

func printTable(list []*browse.Candidate) {
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMAP\tMODE\tPLAYERS\tPING\tMOTD")
	for _, c := range list {
		ping := "-"
		if c.Ping >= 0 {
			ping = fmt.Sprintf("%dms", c.Ping)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			c.Handle.Name, c.CurrentMap, c.Handle.GameModeName,
			c.NumPlayers(), c.Handle.MaxPlayers, ping, c.MOTD)
	}
	w.Flush()
	fmt.Printf("%d server(s)\n", len(list))
}

// startDemoBeacons runs a couple of local beacon hosts so the sweep has
// something real to talk to
func startDemoBeacons(logger *zap.Logger) ([]*beacon.Server, []browse.SessionHandle) {
	states := []beacon.HostState{
		{
			Name:       "Demo Deathmatch",
			MOTD:       "welcome to the demo",
			CurrentMap: "DM-Core",
			GameAddr:   "127.0.0.1:7777",
			Players: []protocol.PlayerRow{
				{Name: "alice", Score: 12, PlayerID: "p1"},
				{Name: "bob", Score: 7, PlayerID: "p2"},
			},
			Rules: []protocol.RuleEntry{{Key: "TimeLimit", Value: "10"}},
		},
		{
			Name:       "Demo Hub",
			MOTD:       "hub of hubs",
			CurrentMap: "HUB-Plaza",
			IsHub:      true,
			GameAddr:   "127.0.0.1:7778",
			Instances: []protocol.InstanceRecord{
				{ID: uuid.New(), RuleTag: "tdm", JoinableAsPlayer: true, MatchHasBegun: true, State: protocol.MatchStateInProgress},
			},
		},
	}

	var hosts []*beacon.Server
	var handles []browse.SessionHandle
	for i, state := range states {
		host := beacon.NewServer(state, logger)
		if err := host.Start("127.0.0.1:0"); err != nil {
			log.Fatalf("demo beacon: %v", err)
		}
		hosts = append(hosts, host)

		gameModePath := "deathmatch"
		gameModeName := "Deathmatch"
		if state.IsHub {
			gameModePath = browse.HubGameModePath
			gameModeName = "Hub"
		}
		handles = append(handles, browse.SessionHandle{
			ID:           browse.SessionID(fmt.Sprintf("demo-%d", i)),
			Name:         state.Name,
			BeaconAddr:   host.Addr(),
			GameAddr:     state.GameAddr,
			GameModePath: gameModePath,
			GameModeName: gameModeName,
			MapName:      state.CurrentMap,
			MaxPlayers:   16,
			Flags:        browse.FlagLAN, // demo beacons live on loopback
		})
	}
	return hosts, handles
}
