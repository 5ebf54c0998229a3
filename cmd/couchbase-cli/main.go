package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/pior/couchbase"
)

func main() {
	var (
		seeds    = flag.String("seeds", "localhost:8091", "Comma-separated cluster manager addresses")
		kvSeeds  = flag.String("kv-seeds", "", "Comma-separated data node addresses, used when streaming is off")
		bucket   = flag.String("bucket", "default", "Bucket name")
		user     = flag.String("user", "", "Username")
		pass     = flag.String("password", "", "Password")
		poll     = flag.Bool("poll", false, "Poll GET_CLUSTER_CONFIG instead of streaming the config")
		timeout  = flag.Duration("timeout", 2500*time.Millisecond, "Operation timeout")
		httpAddr = flag.String("http", "", "Serve /ping, /stats and /topology on this address")
	)
	flag.Parse()

	client, err := couchbase.NewClient(couchbase.Config{
		Seeds:               splitList(*seeds),
		KVSeeds:             splitList(*kvSeeds),
		Bucket:              *bucket,
		Username:            *user,
		Password:            *pass,
		DisableConfigStream: *poll,
		OperationTimeout:    *timeout,
	})
	if err != nil {
		fmt.Printf("Failed to create client: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = client.WaitUntilReady(ctx)
	cancel()
	if err != nil {
		fmt.Printf("Cluster not ready: %v\n", err)
		os.Exit(1)
	}

	if *httpAddr != "" {
		go func() {
			if err := http.ListenAndServe(*httpAddr, diagnosticsRouter(client)); err != nil {
				fmt.Printf("Diagnostics endpoint stopped: %v\n", err)
			}
		}()
	}

	fmt.Println("Couchbase KV CLI")
	fmt.Println("================")
	fmt.Printf("Bucket %s, config revision %d. Type 'help' for commands.\n\n", client.Bucket(), client.Topology().Revision)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}

		command := strings.ToLower(parts[0])
		if command == "quit" || command == "exit" {
			fmt.Println("Goodbye!")
			return
		}
		if err := run(context.Background(), client, command, parts[1:]); err != nil {
			fmt.Println(err)
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Printf("Error reading input: %v\n", err)
	}
}

type usageError string

func (e usageError) Error() string { return "Usage: " + string(e) }

func run(ctx context.Context, client *couchbase.Client, command string, args []string) error {
	start := time.Now()
	took := func() time.Duration { return time.Since(start).Round(time.Microsecond) }

	switch command {
	case "get":
		if len(args) != 1 {
			return usageError("get <key>")
		}
		res, err := client.Get(ctx, args[0])
		if err != nil {
			return describe(err, took())
		}
		fmt.Printf("Value: %s\nFlags: %d Cas: %d (took %v)\n", res.Value, res.Flags, res.Cas, took())

	case "replica":
		if len(args) != 2 {
			return usageError("replica <key> <index>")
		}
		idx, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid replica index: %w", err)
		}
		res, err := client.GetReplica(ctx, args[0], idx)
		if err != nil {
			return describe(err, took())
		}
		fmt.Printf("Value: %s (took %v)\n", res.Value, took())

	case "upsert", "set", "insert", "add", "replace":
		if len(args) < 2 || len(args) > 3 {
			return usageError(command + " <key> <value> [ttl_seconds]")
		}
		opts := couchbase.StoreOptions{}
		if len(args) == 3 {
			secs, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid TTL: %w", err)
			}
			opts.Expiry = time.Duration(secs) * time.Second
		}
		store := client.Upsert
		switch command {
		case "insert", "add":
			store = client.Insert
		case "replace":
			store = client.Replace
		}
		res, err := store(ctx, args[0], []byte(args[1]), opts)
		if err != nil {
			return describe(err, took())
		}
		printMutation(res, took())

	case "remove", "delete", "del":
		if len(args) != 1 {
			return usageError("remove <key>")
		}
		res, err := client.Remove(ctx, args[0], couchbase.RemoveOptions{})
		if err != nil {
			return describe(err, took())
		}
		printMutation(res, took())

	case "append", "prepend":
		if len(args) != 2 {
			return usageError(command + " <key> <value>")
		}
		concat := client.Append
		if command == "prepend" {
			concat = client.Prepend
		}
		res, err := concat(ctx, args[0], []byte(args[1]), couchbase.ConcatOptions{})
		if err != nil {
			return describe(err, took())
		}
		printMutation(res, took())

	case "incr", "decr":
		if len(args) < 1 || len(args) > 3 {
			return usageError(command + " <key> [delta] [initial]")
		}
		var opts couchbase.CounterOptions
		for i, dst := range []*uint64{&opts.Delta, &opts.Initial} {
			if len(args) > i+1 {
				v, err := strconv.ParseUint(args[i+1], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid number %q: %w", args[i+1], err)
				}
				*dst = v
			}
		}
		counter := client.Increment
		if command == "decr" {
			counter = client.Decrement
		}
		res, err := counter(ctx, args[0], opts)
		if err != nil {
			return describe(err, took())
		}
		fmt.Printf("Value: %d (took %v)\n", res.Value, took())

	case "touch":
		if len(args) != 2 {
			return usageError("touch <key> <ttl_seconds>")
		}
		secs, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid TTL: %w", err)
		}
		res, err := client.Touch(ctx, args[0], time.Duration(secs)*time.Second)
		if err != nil {
			return describe(err, took())
		}
		printMutation(res, took())

	case "ping":
		report, err := client.Ping(ctx, couchbase.PingOptions{})
		if err != nil {
			return err
		}
		return printJSON(report)

	case "topology":
		m := client.Topology()
		fmt.Printf("Revision %d, %s locator, %d vbuckets\n", m.Revision, m.Locator, m.NumVBuckets())
		for _, n := range m.Nodes {
			fmt.Printf("  %s kv=%d mgmt=%d %s\n", n.Hostname, n.Ports.KV, n.Ports.Mgmt, n.Health)
		}

	case "stats":
		printStats(client)

	case "help":
		fmt.Println("Commands:")
		fmt.Println("  get <key>                        - Get a document")
		fmt.Println("  replica <key> <index>            - Get a document from a replica")
		fmt.Println("  upsert <key> <value> [ttl]       - Store a document")
		fmt.Println("  insert <key> <value> [ttl]       - Store a document that must not exist")
		fmt.Println("  replace <key> <value> [ttl]      - Store a document that must exist")
		fmt.Println("  remove <key>                     - Remove a document")
		fmt.Println("  append|prepend <key> <value>     - Concatenate to a document")
		fmt.Println("  incr|decr <key> [delta] [init]   - Update a counter")
		fmt.Println("  touch <key> <ttl>                - Change the expiry of a document")
		fmt.Println("  ping                             - Ping every endpoint")
		fmt.Println("  topology                         - Show the current cluster map")
		fmt.Println("  stats                            - Show client statistics")
		fmt.Println("  quit                             - Exit the CLI")

	default:
		return fmt.Errorf("Unknown command: %s. Type 'help' for available commands.", command)
	}
	return nil
}

func describe(err error, took time.Duration) error {
	switch {
	case errors.Is(err, couchbase.ErrKeyNotFound):
		return fmt.Errorf("Key not found (took %v)", took)
	case errors.Is(err, couchbase.ErrKeyExists):
		return fmt.Errorf("Key exists (took %v)", took)
	default:
		return fmt.Errorf("Error: %v (took %v)", err, took)
	}
}

func printMutation(res *couchbase.MutationResult, took time.Duration) {
	fmt.Printf("OK cas=%d", res.Cas)
	if t := res.MutationToken; t != nil {
		fmt.Printf(" vb=%d uuid=%d seqno=%d", t.VBucketID, t.VBucketUUID, t.SeqNo)
	}
	fmt.Printf(" (took %v)\n", took)
}

func printStats(client *couchbase.Client) {
	s := client.Stats()
	fmt.Println("Client:")
	fmt.Printf("  Gets: %d (hits %d)\n", s.Gets, s.GetHits)
	fmt.Printf("  Mutations: %d\n", s.Mutations)
	fmt.Printf("  Counters: %d\n", s.Counters)
	fmt.Printf("  Retries: %d\n", s.Retries)
	fmt.Printf("  NotMyVBucket: %d\n", s.NotMyVBucket)
	fmt.Printf("  Topology updates: %d\n", s.TopologyUpdates)
	fmt.Printf("  Errors: %d\n", s.Errors)

	fmt.Println("Nodes:")
	for _, n := range client.AllNodePoolStats() {
		fmt.Printf("  %s (breaker %s):\n", n.Addr, n.CircuitBreakerState)
		fmt.Printf("    Connections: %d total, %d idle, %d active\n",
			n.PoolStats.TotalConns, n.PoolStats.IdleConns, n.PoolStats.ActiveConns)
		fmt.Printf("    Created: %d, destroyed: %d, acquire errors: %d\n",
			n.PoolStats.CreatedConns, n.PoolStats.DestroyedConns, n.PoolStats.AcquireErrors)
	}

	fmt.Println("Timers:")
	timers := map[string]metrics.Timer{}
	client.MetricsRegistry().Each(func(name string, m any) {
		if t, ok := m.(metrics.Timer); ok && t.Count() > 0 {
			timers[name] = t
		}
	})
	names := make([]string, 0, len(timers))
	for name := range timers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %s: ", name)
		couchbase.WriteTimerJSON(os.Stdout, timers[name])
		fmt.Println()
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func diagnosticsRouter(client *couchbase.Client) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ping", func(w http.ResponseWriter, req *http.Request) {
		opts := couchbase.PingOptions{ReportID: req.URL.Query().Get("id")}
		if svc := req.URL.Query().Get("service"); svc != "" {
			opts.Services = []couchbase.ServiceType{couchbase.ServiceType(svc)}
		}
		report, err := client.Ping(req.Context(), opts)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, report)
	}).Methods(http.MethodGet)
	r.HandleFunc("/stats", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]any{
			"client": client.Stats(),
			"nodes":  client.AllNodePoolStats(),
		})
	}).Methods(http.MethodGet)
	r.HandleFunc("/stats/timers/{name}", func(w http.ResponseWriter, req *http.Request) {
		t, ok := client.MetricsRegistry().Get(mux.Vars(req)["name"]).(metrics.Timer)
		if !ok {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		couchbase.WriteTimerJSON(w, t)
	}).Methods(http.MethodGet)
	r.HandleFunc("/topology", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, client.Topology())
	}).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
