package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cuemby/nscan/pkg/api"
	"github.com/cuemby/nscan/pkg/config"
	"github.com/cuemby/nscan/pkg/log"
	"github.com/cuemby/nscan/pkg/queue"
	"github.com/cuemby/nscan/pkg/service"
	"github.com/cuemby/nscan/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// databaseName is the Mongo database holding all collections.
const databaseName = "nscan"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nscan",
	Short: "nscan - distributed network reconnaissance engine",
	Long: `nscan probes IPv4 ranges for application-layer services, fingerprints
the software behind them and cross-references the findings against a local
vulnerability catalog.

A master node owns the task queue; worker nodes lease CIDR ranges from it,
run the probes and persist results to the document store.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"nscan version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "config.json", "Path to the configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("listen", "", "Override the listen address")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(masterCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(standaloneCmd)
	rootCmd.AddCommand(taskCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// loadConfig loads the configuration file and applies flag overrides.
func loadConfig(cmd *cobra.Command, role config.NodeRole) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.Role = role
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Listen = listen
	}
	return cfg, cfg.Validate()
}

func connectMongo(ctx context.Context, uri string) (*mongo.Database, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	return client.Database(databaseName), nil
}

func connectRedis(addr string) *redis.Client {
	addr = strings.TrimPrefix(addr, "redis://")
	return redis.NewClient(&redis.Options{Addr: addr})
}

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Run a master node",
	Long: `Run the master node: recover orphaned tasks, announce this master to the
configured workers and serve the task distribution API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, config.RoleMaster)
		if err != nil {
			return err
		}
		ctx := context.Background()
		master, err := service.NewMaster(ctx, cfg, connectRedis(cfg.Redis))
		if err != nil {
			return err
		}
		if len(cfg.Workers) > 0 {
			master.UpdateWorkers(ctx, cfg.Workers)
		}
		return api.NewServer(master, nil).ListenAndServe(cfg.Listen)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker node",
	Long: `Run a worker node: wait for a master announcement, then lease CIDR
ranges, probe them and persist the results.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, config.RoleWorker)
		if err != nil {
			return err
		}
		ctx := context.Background()
		db, err := connectMongo(ctx, cfg.MongoDB)
		if err != nil {
			return err
		}
		if err := ensureIndexes(ctx, cfg, db); err != nil {
			return err
		}
		worker, err := service.NewWorker(ctx, cfg, db, connectRedis(cfg.Redis))
		if err != nil {
			return err
		}
		return api.NewServer(nil, worker).ListenAndServe(cfg.Listen)
	},
}

var standaloneCmd = &cobra.Command{
	Use:   "standalone",
	Short: "Run master and worker in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, config.RoleStandalone)
		if err != nil {
			return err
		}
		ctx := context.Background()
		db, err := connectMongo(ctx, cfg.MongoDB)
		if err != nil {
			return err
		}
		if err := ensureIndexes(ctx, cfg, db); err != nil {
			return err
		}
		rdb := connectRedis(cfg.Redis)
		master, err := service.NewMaster(ctx, cfg, rdb)
		if err != nil {
			return err
		}
		worker, err := service.NewWorker(ctx, cfg, db, rdb)
		if err != nil {
			return err
		}
		worker.SetMaster(cfg.Listen)
		return api.NewServer(master, worker).ListenAndServe(cfg.Listen)
	},
}

func ensureIndexes(ctx context.Context, cfg *config.Config, db *mongo.Database) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return storage.EnsureIndexes(ctx, db,
		cfg.Scanner.Save.Collection,
		cfg.Analyser.Save,
		cfg.Analyser.VulnSearch.ExploitDB,
	)
}

// Task administration commands operate on the shared store directly.
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage the task queues",
}

func init() {
	taskCmd.PersistentFlags().String("queue", "scanner", "Task queue (scanner or analyser)")

	taskCmd.AddCommand(taskEnqueueCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskClearCmd)
	taskCmd.AddCommand(taskRemoveCmd)
	taskCmd.AddCommand(taskRecoverCmd)
}

// taskQueues builds direct queue handles for administration without running
// the master's startup recovery.
func taskQueues(cmd *cobra.Command) (scanner *queue.CIDRQueue, selected *queue.MasterScheduler, selectedKey string, err error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, "", err
	}
	rdb := connectRedis(cfg.Redis)
	queueKey, _ := cmd.Flags().GetString("queue")
	scanner = queue.NewCIDRQueue(queue.NewMasterScheduler("scanner", rdb))
	switch queueKey {
	case "scanner":
		selected = scanner.MasterScheduler
	case "analyser":
		selected = queue.NewMasterScheduler("analyser", rdb)
	default:
		return nil, nil, "", fmt.Errorf("unknown queue %q", queueKey)
	}
	return scanner, selected, queueKey, nil
}

var taskEnqueueCmd = &cobra.Command{
	Use:   "enqueue [cidr...]",
	Short: "Enqueue CIDR tokens",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scanner, q, queueKey, err := taskQueues(cmd)
		if err != nil {
			return err
		}
		ctx := context.Background()
		if queueKey == "scanner" {
			count, err := scanner.EnqueueCIDRs(ctx, args)
			if err != nil {
				return err
			}
			fmt.Printf("Enqueued %d tokens (%d addresses)\n", len(args), count)
			return nil
		}
		if err := q.EnqueueTasks(ctx, args); err != nil {
			return err
		}
		fmt.Printf("Enqueued %d tokens\n", len(args))
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, q, _, err := taskQueues(cmd)
		if err != nil {
			return err
		}
		ctx := context.Background()
		skip, _ := cmd.Flags().GetInt("skip")
		count, _ := cmd.Flags().GetInt("count")
		tokens, err := q.PendingPage(ctx, skip, count)
		if err != nil {
			return err
		}
		total, err := q.CountPending(ctx)
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(map[string]interface{}{"total": total, "tasks": tokens}, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	taskListCmd.Flags().Int("skip", 0, "Tokens to skip from the consumer end")
	taskListCmd.Flags().Int("count", 10, "Tokens per page")
}

var taskClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every pending token",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, q, _, err := taskQueues(cmd)
		if err != nil {
			return err
		}
		count, err := q.ClearTasks(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d tokens\n", count)
		return nil
	},
}

var taskRemoveCmd = &cobra.Command{
	Use:   "remove [token]",
	Short: "Remove one token from the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, q, _, err := taskQueues(cmd)
		if err != nil {
			return err
		}
		count, err := q.RemoveTask(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d occurrences\n", count)
		return nil
	},
}

var taskRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Re-inject tokens from the running list",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, q, _, err := taskQueues(cmd)
		if err != nil {
			return err
		}
		count, err := q.RecoverRunning(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Recovered %d tokens\n", count)
		return nil
	},
}
