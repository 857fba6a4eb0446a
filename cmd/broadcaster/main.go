// Command broadcaster is the process entrypoint: it loads configuration,
// connects to the document database, wires the broadcast queue and write
// interceptor, and serves the WebSocket and HTTP endpoints until signaled to
// shut down.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "go.uber.org/automaxprocs"

	"odin-broadcaster/internal/broadcast"
	"odin-broadcaster/internal/config"
	"odin-broadcaster/internal/dbwrite"
	"odin-broadcaster/internal/metrics"
	"odin-broadcaster/internal/publish"
	"odin-broadcaster/internal/session"
	"odin-broadcaster/internal/wstransport"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("component", "broadcaster").Logger()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("broadcaster exited with error")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	mongoClient, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return fmt.Errorf("connecting to mongo: %w", err)
	}
	defer mongoClient.Disconnect(context.Background())

	m := metrics.New()
	system := metrics.NewSystem(m, cfg.SystemSampleDuration())
	go system.Run(ctx)

	queue := broadcast.New(cfg.Queue.Size, logger, m)
	publisher := publish.New(queue)

	transport := wstransport.New(cfg.WebSocket.CheckOrigin, func() wstransport.Session {
		return session.New(queue, mongoClient, logger, m)
	}, logger, m)

	mux := http.NewServeMux()
	mux.Handle(cfg.WebSocket.Path, transport)
	mux.HandleFunc("/health", handleHealth(m))
	mux.HandleFunc("/stats", handleStats(queue, m))
	mux.HandleFunc("/publish", handlePublish(publisher))
	mux.HandleFunc("/write", handleWrite(mongoClient, queue))
	if cfg.Metrics.EnablePrometheus {
		mux.Handle("/metrics", promhttp.Handler())
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

func handleHealth(m *metrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","uptime_seconds":%d}`, int(m.GetUptime().Seconds()))
	}
}

func handleStats(queue *broadcast.Queue, m *metrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sessions":       queue.SessionCount(),
			"uptime_seconds": int(m.GetUptime().Seconds()),
			"connections":    m.ConnectionStats(),
		})
	}
}

// handleWrite is the write-through face of the broker: it performs the
// requested mutation through a write-publishing dbwrite.Collection, so a
// write that reports success fans its fingerprints out to subscribers.
// POST {"op":"insert_one","db_name":"d","collection_name":"c","document":{...}};
// update ops take "filter" and "update", delete ops take "filter",
// insert_many takes "documents". A filter's "_id" may be the 24-hex wire
// form and is rewritten to an ObjectID before the write.
func handleWrite(client *mongo.Client, queue dbwrite.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Op             string `json:"op"`
			DBName         string `json:"db_name"`
			CollectionName string `json:"collection_name"`
			Document       bson.M `json:"document"`
			Documents      []any  `json:"documents"`
			Filter         bson.M `json:"filter"`
			Update         bson.M `json:"update"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "malformed JSON body", http.StatusBadRequest)
			return
		}
		if body.DBName == "" || body.CollectionName == "" {
			http.Error(w, "db_name and collection_name are required", http.StatusBadRequest)
			return
		}

		col := dbwrite.Wrap(client.Database(body.DBName).Collection(body.CollectionName), queue, body.DBName)
		normalizeFilterID(body.Filter)
		ctx := r.Context()

		switch body.Op {
		case "insert_one":
			res, err := col.InsertOne(ctx, body.Document)
			if err != nil {
				writeFailed(w, err)
				return
			}
			writeJSON(w, map[string]any{"inserted_id": renderID(res.InsertedID)})
		case "insert_many":
			res, err := col.InsertMany(ctx, body.Documents)
			if err != nil {
				writeFailed(w, err)
				return
			}
			ids := make([]any, len(res.InsertedIDs))
			for i, id := range res.InsertedIDs {
				ids[i] = renderID(id)
			}
			writeJSON(w, map[string]any{"inserted_ids": ids})
		case "update_one":
			res, err := col.UpdateOne(ctx, body.Filter, body.Update)
			if err != nil {
				writeFailed(w, err)
				return
			}
			writeJSON(w, map[string]any{"matched_count": res.MatchedCount, "modified_count": res.ModifiedCount})
		case "update_many":
			res, err := col.UpdateMany(ctx, body.Filter, body.Update)
			if err != nil {
				writeFailed(w, err)
				return
			}
			writeJSON(w, map[string]any{"matched_count": res.MatchedCount, "modified_count": res.ModifiedCount})
		case "delete_one":
			res, err := col.DeleteOne(ctx, body.Filter)
			if err != nil {
				writeFailed(w, err)
				return
			}
			writeJSON(w, map[string]any{"deleted_count": res.DeletedCount})
		case "delete_many":
			res, err := col.DeleteMany(ctx, body.Filter)
			if err != nil {
				writeFailed(w, err)
				return
			}
			writeJSON(w, map[string]any{"deleted_count": res.DeletedCount})
		default:
			http.Error(w, "unknown op", http.StatusBadRequest)
		}
	}
}

// normalizeFilterID rewrites a filter's "_id" from its 24-hex wire form to
// a primitive.ObjectID so it matches ids the driver stored.
func normalizeFilterID(filter bson.M) {
	if s, ok := filter["_id"].(string); ok {
		if oid, err := primitive.ObjectIDFromHex(s); err == nil {
			filter["_id"] = oid
		}
	}
}

func renderID(id any) any {
	if oid, ok := id.(primitive.ObjectID); ok {
		return oid.Hex()
	}
	return id
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeFailed(w http.ResponseWriter, err error) {
	http.Error(w, fmt.Sprintf("write failed: %v", err), http.StatusInternalServerError)
}

// handlePublish lets an application server push a general event
// (general_subscribe's counterpart) without going through the database
// write path: POST {"event_path":"...","data":...}.
func handlePublish(publisher *publish.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			EventPath string `json:"event_path"`
			Data      any    `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.EventPath == "" {
			http.Error(w, "event_path is required", http.StatusBadRequest)
			return
		}
		publisher.Publish(body.EventPath, body.Data)
		w.WriteHeader(http.StatusAccepted)
	}
}
