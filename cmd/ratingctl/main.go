// ratingctl is the operator CLI for ratingd. It reads the session store
// directly, so it works whether or not the server is running.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"ratingstudy/internal/config"
	"ratingstudy/internal/export"
	"ratingstudy/internal/logging"
	"ratingstudy/internal/schema"
	"ratingstudy/internal/stimulus"
	"ratingstudy/internal/store"
)

var (
	configPath = flag.String("config", "", "path to config file")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	switch cmd {
	case "status":
		cmdStatus()
	case "sessions":
		cmdSessions(args)
	case "show":
		cmdShow(args)
	case "export":
		cmdExport(args)
	case "exports":
		cmdExports()
	case "verify":
		cmdVerify()
	case "plan":
		cmdPlan(args)
	case "validate":
		cmdValidate(args)
	case "config":
		cmdConfig()
	case "migrate":
		cmdMigrate(args)
	case "crashes":
		cmdCrashes(args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `ratingctl - Operator utility for the rating study server

Usage: ratingctl [options] <command> [args]

Commands:
  status                      Show server and store status
  sessions [-participant id]  List stored sessions
           [-since 24h] [-limit n]
  show <session-id> [-json]   Show one session and its trials
  export [-wait] [-controls Q1,Q2,...] <out.csv>
                              Export all trials as CSV
  exports                     List previous CSV exports
  verify                      Check stored payloads and their HMACs
  plan [-seed n] [-check]     Print a trial plan, optionally checking
                              that every image exists
  validate [-schema] <payload.json>
                              Validate a payload file against the schema,
                              or print the schema with -schema
  config                      Print the effective configuration
  migrate [status|rollback]   Show the store schema, or revert its newest
                              migration (ratingd migrates forward on start)
  crashes [-limit n]          List crash reports from recovered panics
  help                        Show this help message

Options:
  -config <path>  Path to config file`)
}

func loadConfig() (*config.Config, string) {
	path := *configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg, path
}

func openStore(cfg *config.Config) *store.Store {
	st, err := store.Open(cfg.Store.Path, store.Options{
		Secret:      []byte(cfg.Store.Secret),
		BusyTimeout: cfg.BusyTimeout(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	return st
}

// openAudit returns nil when the audit trail is disabled or unavailable.
func openAudit(cfg *config.Config) *logging.AuditLogger {
	opts := cfg.AuditOptions("ratingctl")
	if opts == nil {
		return nil
	}
	audit, err := logging.NewAuditLogger(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: audit trail unavailable: %v\n", err)
		return nil
	}
	return audit
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func cmdStatus() {
	cfg, path := loadConfig()
	ctx := context.Background()

	fmt.Println("=== ratingd Status ===")
	fmt.Println()

	pidPath := filepath.Join(config.DataDir(), "ratingd.pid")
	pidData, err := os.ReadFile(pidPath)
	if err != nil {
		fmt.Println("Server Status: NOT RUNNING")
	} else {
		pid, _ := strconv.Atoi(strings.TrimSpace(string(pidData)))
		if processExists(pid) {
			fmt.Printf("Server Status: RUNNING (PID %d)\n", pid)
		} else {
			fmt.Printf("Server Status: STALE PID FILE (PID %d not found)\n", pid)
		}
	}
	if path != "" {
		fmt.Printf("Config: %s\n", path)
	} else {
		fmt.Println("Config: defaults")
	}
	fmt.Printf("Listen: %s\n", cfg.Server.Addr)
	fmt.Println()

	fmt.Println("Store:")
	info, err := os.Stat(cfg.Store.Path)
	if os.IsNotExist(err) {
		fmt.Println("  No database found")
		return
	}
	st := openStore(cfg)
	defer st.Close()

	stats, err := st.Stats(ctx)
	if err != nil {
		fmt.Printf("  Error reading stats: %v\n", err)
		return
	}
	fmt.Printf("  Path: %s (%s)\n", cfg.Store.Path, formatBytes(info.Size()))
	fmt.Printf("  Sessions: %d\n", stats.Sessions)
	fmt.Printf("  Trials: %d\n", stats.Trials)
	fmt.Printf("  Participants: %d\n", stats.Participants)
	if !stats.LastSession.IsZero() {
		fmt.Printf("  Last session: %s\n", stats.LastSession.Local().Format(time.RFC3339))
	}
	fmt.Printf("  Exports: %d\n", stats.Exports)
	fmt.Printf("  Signing: %v\n", st.Signed())

	if ms, err := st.MigrationStatus(ctx); err == nil {
		fmt.Printf("  Schema: v%d (latest v%d, %d pending)\n", ms.CurrentVersion, ms.LatestVersion, len(ms.Pending))
	}

	reports, err := crashReports(cfg)
	if err == nil && len(reports) > 0 {
		fmt.Println()
		fmt.Printf("Crash reports: %d (see 'ratingctl crashes')\n", len(reports))
	}
}

func cmdSessions(args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	participant := fs.String("participant", "", "only sessions of this participant id")
	since := fs.Duration("since", 0, "only sessions stored within this duration")
	limit := fs.Int("limit", 50, "maximum number of sessions (0 = all)")
	fs.Parse(args)

	cfg, _ := loadConfig()
	st := openStore(cfg)
	defer st.Close()

	opts := store.ListOptions{ParticipantID: *participant, Limit: *limit}
	if *since > 0 {
		opts.Since = time.Now().Add(-*since)
	}
	sessions, err := st.ListSessions(context.Background(), opts)
	if err != nil {
		fail("%v", err)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions stored.")
		return
	}

	fmt.Printf("%-36s  %-24s  %6s  %-6s  %s\n", "SESSION", "PARTICIPANT", "TRIALS", "SIGNED", "STORED")
	for _, s := range sessions {
		fmt.Printf("%-36s  %-24s  %6d  %-6v  %s\n",
			s.SessionID, truncate(s.ParticipantID, 24), s.TrialCount, s.Signed,
			s.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
}

func cmdShow(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "print the stored payload as JSON")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: ratingctl show <session-id> [-json]")
		os.Exit(1)
	}

	cfg, _ := loadConfig()
	st := openStore(cfg)
	defer st.Close()

	rec, err := st.GetSession(context.Background(), fs.Arg(0))
	if err != nil {
		fail("%v", err)
	}
	if *asJSON {
		fmt.Println(prettyJSON(rec.Payload))
		return
	}

	fmt.Printf("Session: %s\n", rec.SessionID)
	fmt.Printf("Participant: %s\n", rec.ParticipantID)
	if rec.AssignmentID != "" {
		fmt.Printf("Assignment: %s\n", rec.AssignmentID)
	}
	if rec.ProjectID != "" {
		fmt.Printf("Project: %s\n", rec.ProjectID)
	}
	fmt.Printf("Client: %s\n", rec.ClientVersion)
	fmt.Printf("Started: %s\n", rec.StartedAt.Local().Format(time.RFC3339))
	fmt.Printf("Stored: %s\n", rec.CreatedAt.Local().Format(time.RFC3339))
	fmt.Printf("Signed: %v\n", rec.Signed)
	fmt.Println()

	controls := rec.Payload.Controls
	fmt.Printf("%3s  %-7s  %-28s  %9s", "#", "BLOCK", "IMAGE", "RT(ms)")
	for _, id := range controls {
		fmt.Printf("  %4s", id)
	}
	fmt.Println("  INTERACT(ms)")
	for i, row := range rec.Payload.Trials {
		fmt.Printf("%3d  %-7s  %-28s  %9.0f", i, row.Block, truncate(filepath.Base(row.Image), 28), row.RT)
		var interact []string
		for _, id := range controls {
			fmt.Printf("  %4d", row.Responses[id])
			interact = append(interact, fmt.Sprintf("%s=%d", id, row.InteractMs[id]))
		}
		fmt.Printf("  %s\n", strings.Join(interact, " "))
	}
}

func cmdExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	wait := fs.Bool("wait", false, "wait for a concurrent export instead of failing")
	controls := fs.String("controls", "", "comma-separated control column order")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: ratingctl export [-wait] [-controls Q1,Q2,...] <out.csv>")
		os.Exit(1)
	}
	out := fs.Arg(0)

	cfg, _ := loadConfig()
	st := openStore(cfg)
	defer st.Close()
	audit := openAudit(cfg)
	defer audit.Close()

	opts := export.Options{Wait: *wait}
	if *controls != "" {
		opts.Controls = strings.Split(*controls, ",")
	}

	ctx := context.Background()
	n, err := export.ToFile(ctx, st, out, opts)
	audit.LogExport(ctx, out, n, err)
	if err != nil {
		fail("%v", err)
	}
	fmt.Printf("Exported %d trials to %s\n", n, out)
}

func cmdVerify() {
	cfg, _ := loadConfig()
	st := openStore(cfg)
	defer st.Close()
	audit := openAudit(cfg)
	defer audit.Close()

	ctx := context.Background()
	report, err := st.VerifyAll(ctx)
	if err != nil {
		fail("%v", err)
	}
	audit.LogVerification(ctx, report.Checked, len(report.Corrupt))

	fmt.Printf("Checked: %d sessions\n", report.Checked)
	if len(report.Unsigned) > 0 {
		fmt.Printf("Unsigned: %d\n", len(report.Unsigned))
	}
	if report.OK() {
		fmt.Println("Result: OK")
		return
	}
	fmt.Printf("Corrupt: %d\n", len(report.Corrupt))
	for id, reason := range report.Corrupt {
		fmt.Printf("  %s: %s\n", id, reason)
	}
	os.Exit(1)
}

func cmdPlan(args []string) {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	seed := fs.Uint64("seed", 0, "shuffle seed (default: config seed, 0 = random)")
	check := fs.Bool("check", false, "check that every image exists under the static directory")
	fs.Parse(args)

	cfg, _ := loadConfig()
	s := *seed
	if s == 0 {
		s = cfg.Study.Seed
	}
	var rng *rand.Rand
	if s != 0 {
		rng = rand.New(rand.NewPCG(s, s))
	}
	plan, err := stimulus.NewPlan(cfg.Study.Stimulus, rng)
	if err != nil {
		fail("%v", err)
	}

	for _, b := range plan.Blocks {
		fmt.Printf("%s (%d trials)\n", b.Intro.Title, len(b.Trials))
		for _, t := range b.Trials {
			fmt.Printf("  %-32s  height=%-7s  attract=%s\n", t.Image, t.Meta.HeightLabel, t.Meta.AttractLabel)
		}
	}
	fmt.Printf("Total: %d trials\n", plan.Len())

	if !*check {
		return
	}
	root := cfg.Server.StaticDir
	if root == "" {
		root = "."
	}
	var missing []string
	for _, img := range plan.Images() {
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(img))); err != nil {
			missing = append(missing, img)
		}
	}
	if len(missing) > 0 {
		fmt.Printf("Missing %d images under %s:\n", len(missing), root)
		for _, m := range missing {
			fmt.Printf("  %s\n", m)
		}
		os.Exit(1)
	}
	fmt.Printf("All images present under %s\n", root)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	printSchema := fs.Bool("schema", false, "print the payload JSON Schema and exit")
	fs.Parse(args)

	if *printSchema {
		os.Stdout.Write(schema.PayloadSchema())
		return
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: ratingctl validate [-schema] <payload.json>")
		os.Exit(1)
	}
	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fail("%v", err)
	}
	v, err := schema.NewPayloadValidator()
	if err != nil {
		fail("%v", err)
	}
	if err := v.ValidateJSON(data); err != nil {
		fmt.Printf("INVALID: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VALID")
}

func cmdConfig() {
	cfg, path := loadConfig()
	if cfg.Store.Secret != "" {
		cfg.Store.Secret = logging.Redacted
	}
	if path == "" {
		path = config.ConfigPath()
	}
	data, err := config.Encode(cfg, path)
	if err != nil {
		fail("%v", err)
	}
	os.Stdout.Write(data)
}

func cmdExports() {
	cfg, _ := loadConfig()
	st := openStore(cfg)
	defer st.Close()

	exports, err := st.Exports(context.Background())
	if err != nil {
		fail("%v", err)
	}
	if len(exports) == 0 {
		fmt.Println("No exports recorded.")
		return
	}
	fmt.Printf("%5s  %-19s  %6s  %s\n", "ID", "WRITTEN", "ROWS", "PATH")
	for _, e := range exports {
		fmt.Printf("%5d  %-19s  %6d  %s\n", e.ID, e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Rows, e.Path)
	}
}

func cmdMigrate(args []string) {
	action := "status"
	if len(args) > 0 {
		action = args[0]
	}

	cfg, _ := loadConfig()
	st := openStore(cfg)
	defer st.Close()
	ctx := context.Background()

	switch action {
	case "status":
		ms, err := st.MigrationStatus(ctx)
		if err != nil {
			fail("%v", err)
		}
		fmt.Printf("Schema: v%d (latest v%d)\n", ms.CurrentVersion, ms.LatestVersion)
		for _, m := range ms.Applied {
			fmt.Printf("  v%d  %s  %s\n", m.Version, m.AppliedAt.Local().Format(time.RFC3339), m.Description)
		}
		for _, m := range ms.Pending {
			fmt.Printf("  v%d  pending  %s\n", m.Version, m.Description)
		}
		if err := st.CheckSchema(ctx); err != nil {
			fmt.Printf("Tables: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Tables: OK")
	case "rollback":
		if processRunning() {
			fail("ratingd is running; stop it before rolling back")
		}
		version, err := st.Rollback(ctx)
		if err != nil {
			fail("%v", err)
		}
		fmt.Printf("Rolled back to schema v%d\n", version)
	default:
		fmt.Fprintln(os.Stderr, "Usage: ratingctl migrate [status|rollback]")
		os.Exit(1)
	}
}

func cmdCrashes(args []string) {
	fs := flag.NewFlagSet("crashes", flag.ExitOnError)
	limit := fs.Int("limit", 20, "maximum number of reports (0 = all)")
	fs.Parse(args)

	cfg, _ := loadConfig()
	reports, err := crashReports(cfg)
	if err != nil {
		fail("%v", err)
	}
	if len(reports) == 0 {
		fmt.Println("No crash reports.")
		return
	}
	slices.SortFunc(reports, func(a, b logging.CrashReport) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	if *limit > 0 && len(reports) > *limit {
		reports = reports[:*limit]
	}
	for _, r := range reports {
		fmt.Printf("%s  %-10s  %s  %s\n", r.Timestamp.Local().Format(time.RFC3339), r.Component, r.Version, truncate(r.PanicValue, 60))
	}
}

func crashReports(cfg *config.Config) ([]logging.CrashReport, error) {
	return logging.NewCrashHandler(cfg.CrashOptions("ratingctl", "", nil)).Reports()
}

// processRunning reports whether the pid file names a live ratingd.
func processRunning() bool {
	data, err := os.ReadFile(filepath.Join(config.DataDir(), "ratingd.pid"))
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	return err == nil && processExists(pid)
}

// Helper functions

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func prettyJSON(v any) string {
	data, _ := json.MarshalIndent(v, "", "  ")
	return string(data)
}
