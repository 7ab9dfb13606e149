package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/mtzanidakis/agentflow/internal/chat"
	"github.com/mtzanidakis/agentflow/internal/config"
	"github.com/mtzanidakis/agentflow/internal/flow"
	"github.com/mtzanidakis/agentflow/internal/gateway"
	"github.com/mtzanidakis/agentflow/internal/natsbus"
	"github.com/mtzanidakis/agentflow/internal/store"
	"github.com/mtzanidakis/agentflow/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	rest := os.Args[2:]

	var err error
	switch command {
	case "version":
		fmt.Printf("agentflow %s\n", version)
		return
	case "agents":
		err = runAgents()
	case "create":
		err = runCreate(parseArgs(rest))
	case "update":
		err = runUpdate(parseArgs(rest))
	case "delete":
		err = runDelete(parseArgs(rest))
	case "tasks":
		err = runTasks(parseArgs(rest))
	case "chat":
		err = runChat(parseArgs(rest))
	case "history":
		err = runHistory(parseArgs(rest))
	case "serve":
		err = runServe()
	case "backup":
		err = runBackup(rest)
	case "restore":
		err = runRestore(rest)
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fatal("%v", err)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: agentflow <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  agents                                     List agents")
	fmt.Fprintln(os.Stderr, `  create --name "..." --role "..." --goal "..." [--model "..."]`)
	fmt.Fprintln(os.Stderr, `  update --id N [--name "..."] [--role "..."] [--goal "..."]`)
	fmt.Fprintln(os.Stderr, "  delete --id N")
	fmt.Fprintln(os.Stderr, "  tasks [--id N | --delete N]                List tasks, show one with its steps, or delete one")
	fmt.Fprintln(os.Stderr, `  chat --agent N --message "..."             Send a message and wait for the reply`)
	fmt.Fprintln(os.Stderr, "  history [--agent N] [--limit N]            Show archived transcript, or a summary of all agents")
	fmt.Fprintln(os.Stderr, "  serve                                      Start the API and event stream")
	fmt.Fprintln(os.Stderr, "  backup -f <output.tar.zst>")
	fmt.Fprintln(os.Stderr, "  restore -f <backup.tar.zst> [-overwrite]")
	fmt.Fprintln(os.Stderr, "  version                                    Print version")
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	})))
	return cfg, nil
}

func intArg(args map[string]string, name string) (int, error) {
	v, err := strconv.Atoi(args[name])
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("--%s must be a positive number", name)
	}
	return v, nil
}

func runAgents() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	gw := gateway.New(cfg.API)

	agents, err := gw.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}

	// Keep the archive's agent names current; a missing archive is not fatal.
	if db, err := store.New(cfg.Store); err == nil {
		if err := db.SaveAgents(agents); err != nil {
			slog.Warn("archive agents failed", "error", err)
		}
		db.Close()
	}

	if len(agents) == 0 {
		fmt.Println("No agents found.")
		return nil
	}
	for _, a := range agents {
		model := ""
		if a.Config != nil {
			model = a.Config.Model
		}
		fmt.Printf("  %s  %s  %s  %s\n", color.CyanString("%d", a.ID), a.Name, a.Role, color.HiBlackString("[%s]", model))
	}
	return nil
}

func runCreate(args map[string]string) error {
	if args["name"] == "" || args["role"] == "" || args["goal"] == "" {
		return errors.New("--name, --role, and --goal are required")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	in := gateway.AgentCreate{
		Name:        args["name"],
		Description: args["description"],
		Role:        args["role"],
		Goal:        args["goal"],
		Backstory:   args["backstory"],
	}
	if args["model"] != "" {
		in.Config = &gateway.AgentConfig{Model: args["model"]}
	}

	agent, err := gateway.New(cfg.API).CreateAgent(context.Background(), in)
	if err != nil {
		return fmt.Errorf("create agent: %s", gateway.ErrorMessage(err, err.Error()))
	}
	fmt.Printf("Agent created: %d\n", agent.ID)
	return nil
}

func runUpdate(args map[string]string) error {
	id, err := intArg(args, "id")
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var patch gateway.AgentUpdate
	for key, field := range map[string]**string{
		"name":        &patch.Name,
		"description": &patch.Description,
		"role":        &patch.Role,
		"goal":        &patch.Goal,
		"backstory":   &patch.Backstory,
	} {
		if v, ok := args[key]; ok {
			*field = &v
		}
	}
	if args["model"] != "" {
		patch.Config = &gateway.AgentConfig{Model: args["model"]}
	}

	agent, err := gateway.New(cfg.API).UpdateAgent(context.Background(), id, patch)
	if err != nil {
		return fmt.Errorf("update agent: %s", gateway.ErrorMessage(err, err.Error()))
	}
	fmt.Printf("Agent updated: %d %s\n", agent.ID, agent.Name)
	return nil
}

func runDelete(args map[string]string) error {
	id, err := intArg(args, "id")
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := gateway.New(cfg.API).DeleteAgent(context.Background(), id); err != nil {
		return fmt.Errorf("delete agent: %s", gateway.ErrorMessage(err, err.Error()))
	}
	fmt.Printf("Agent deleted: %d\n", id)
	return nil
}

func runTasks(args map[string]string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	gw := gateway.New(cfg.API)

	if args["delete"] != "" {
		id, err := intArg(args, "delete")
		if err != nil {
			return err
		}
		if _, err := gw.DeleteTask(ctx, id); err != nil {
			return fmt.Errorf("delete task: %s", gateway.ErrorMessage(err, err.Error()))
		}
		fmt.Printf("Task deleted: %d\n", id)
		return nil
	}

	if args["id"] != "" {
		id, err := intArg(args, "id")
		if err != nil {
			return err
		}
		task, err := gw.GetTask(ctx, id)
		if err != nil {
			return fmt.Errorf("get task: %s", gateway.ErrorMessage(err, err.Error()))
		}
		steps, err := gw.GetTaskSteps(ctx, id)
		if err != nil {
			return fmt.Errorf("get task steps: %s", gateway.ErrorMessage(err, err.Error()))
		}
		printTask(os.Stdout, task, steps)
		return nil
	}

	tasks, err := gw.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %s", gateway.ErrorMessage(err, err.Error()))
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}
	for _, t := range tasks {
		fmt.Printf("  %s  %s  %s\n", color.CyanString("%d", t.ID), statusLabel(t.Status), t.Title)
	}
	return nil
}

func printTask(w io.Writer, t *gateway.Task, steps []gateway.TaskStep) {
	fmt.Fprintf(w, "%s  %s  %s\n", color.CyanString("%d", t.ID), statusLabel(t.Status), t.Title)
	if text := t.ResultText(); text != "" {
		fmt.Fprintf(w, "  result: %s\n", text)
	}
	if len(steps) == 0 {
		fmt.Fprintln(w, "  no steps")
		return
	}
	for _, st := range steps {
		fmt.Fprintf(w, "  step %d  agent %d  %s\n", st.StepNumber, st.AgentID, statusLabel(st.Status))
		if out, ok := st.OutputData["output"].(string); ok && out != "" {
			fmt.Fprintf(w, "    %s\n", out)
		}
	}
}

func statusLabel(status string) string {
	switch status {
	case gateway.TaskCompleted:
		return color.GreenString("%s", status)
	case gateway.TaskFailed:
		return color.RedString("%s", status)
	default:
		return color.YellowString("%s", status)
	}
}

// runChat sends one message through the chat controller and prints the
// transcript once the task settles.
func runChat(args map[string]string) error {
	agentID, err := intArg(args, "agent")
	if err != nil {
		return err
	}
	if args["message"] == "" {
		return errors.New("--message is required")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw := gateway.New(cfg.API)
	agent, err := gw.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("get agent: %s", gateway.ErrorMessage(err, err.Error()))
	}

	opts := []chat.Option{chat.WithConfig(cfg)}
	if db, err := store.New(cfg.Store); err != nil {
		slog.Warn("history archive unavailable", "error", err)
	} else {
		defer db.Close()
		opts = append(opts, chat.WithRecorder(db))
	}

	ctl := chat.New(gw, opts...)
	defer ctl.Close()

	ctl.Select(agent)
	sendErr := ctl.SendMessage(ctx, args["message"])

	st, err := ctl.Wait(ctx)
	printTranscript(st.Messages)
	if err != nil {
		return err
	}
	if sendErr != nil {
		return sendErr
	}
	if st.Phase != chat.PhaseCompleted {
		return fmt.Errorf("task ended as %s", st.Phase)
	}
	return nil
}

func printTranscript(msgs []chat.Message) {
	for _, m := range msgs {
		fmt.Printf("%s %s\n", roleLabel(string(m.Role)), m.Content)
	}
}

func roleLabel(role string) string {
	label := "[" + role + "]"
	switch role {
	case string(chat.RoleUser):
		return color.CyanString("%s", label)
	case string(chat.RoleAssistant):
		return color.GreenString("%s", label)
	case string(chat.RoleSystem):
		return color.YellowString("%s", label)
	default:
		return label
	}
}

func runHistory(args map[string]string) error {
	var agentID int
	if args["agent"] != "" {
		id, err := intArg(args, "agent")
		if err != nil {
			return err
		}
		agentID = id
	}
	limit, _ := strconv.Atoi(args["limit"])

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	if agentID == 0 {
		return printHistorySummary(os.Stdout, db, limit)
	}

	msgs, err := db.GetMessages(agentID, limit)
	if err != nil {
		return fmt.Errorf("get messages: %w", err)
	}
	if len(msgs) == 0 {
		fmt.Println("No messages found.")
		return nil
	}
	for _, m := range msgs {
		fmt.Printf("%s  %s %s\n", color.HiBlackString("%s", m.CreatedAt.Local().Format(time.DateTime)), roleLabel(m.Role), m.Content)
	}
	return nil
}

// printHistorySummary lists every archived agent with its message count,
// followed by the most recent messages across all agents.
func printHistorySummary(w io.Writer, db *store.Store, limit int) error {
	stats, err := db.GetAgentMessageStats()
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		fmt.Fprintln(w, "No messages found.")
		return nil
	}
	agents, err := db.ListAgents()
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	names := make(map[int]string, len(agents))
	for _, a := range agents {
		names[a.ID] = a.Name
	}

	ids := slices.Sorted(maps.Keys(stats))
	for _, id := range ids {
		st := stats[id]
		name := names[id]
		if name == "" {
			name = "(unknown)"
		}
		fmt.Fprintf(w, "  %s  %s  %d messages  last %s\n", color.CyanString("%d", id), name, st.MessageCount, st.LastActive.Local().Format(time.DateTime))
	}

	recent, err := db.GetRecentMessages(limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Recent:")
	for _, m := range recent {
		fmt.Fprintf(w, "  %s  %s %s %s\n", color.HiBlackString("%s", m.CreatedAt.Local().Format(time.DateTime)), color.CyanString("%d", m.AgentID), roleLabel(m.Role), m.Content)
	}
	return nil
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	slog.Info("starting agentflow", "version", version, "api", cfg.API.BaseURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite history archive
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	var bus *natsbus.Bus
	if cfg.NATS.Enabled {
		bus, err = natsbus.New(cfg.NATS)
		if err != nil {
			return fmt.Errorf("init nats: %w", err)
		}
		defer bus.Close()
		slog.Info("nats started", "port", bus.Port())
	}

	gw := gateway.New(cfg.API)

	// Chat controller follows the graph selection
	ctl := chat.New(gw, chat.WithConfig(cfg), chat.WithRecorder(db))
	defer ctl.Close()

	graph := flow.NewStore(gw,
		flow.WithLayout(flow.LayoutFromConfig(cfg.Layout)),
		flow.WithSelectionListener(ctl.OnSelectionChange),
	)
	defer graph.Close()

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(graph, ctl, db, bus, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	if err := graph.FetchAgents(ctx); err != nil {
		slog.Warn("initial agent fetch failed", "error", err)
	} else if err := db.SaveAgents(graph.Snapshot().Agents); err != nil {
		slog.Warn("archive agents failed", "error", err)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()
	return nil
}
