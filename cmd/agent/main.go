// Command agent is the monitoring agent's single binary: it dispatches on
// its first argument to one of the CLI actions named in spec §6 (run,
// get-config, check-connection, request-certificate-sign,
// fetch-certificate, initialize, test-sensors) or re-execs itself in
// sensor mode as a SensorWorker child process.
//
// Follows cmd/sentinel/main.go's os.Args subcommand-stripping dispatch
// pattern rather than introducing a CLI framework dependency.
package main

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/monitowl/agent/internal/clock"
	"github.com/monitowl/agent/internal/config"
	"github.com/monitowl/agent/internal/enroll"
	"github.com/monitowl/agent/internal/logging"
	"github.com/monitowl/agent/internal/receiver"
	"github.com/monitowl/agent/internal/sensors"
	"github.com/monitowl/agent/internal/sensorstorage"
	"github.com/monitowl/agent/internal/shipper"
	"github.com/monitowl/agent/internal/spool"
	"github.com/monitowl/agent/internal/supervisor"
	"github.com/monitowl/agent/internal/transport"
	"github.com/monitowl/agent/internal/worker"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: agent <run|get-config|check-connection|request-certificate-sign|fetch-certificate|initialize|test-sensors> [flags]")
		os.Exit(1)
	}
	action := os.Args[1]
	os.Args = append(os.Args[:1], os.Args[2:]...) // strip subcommand for flag parsing

	switch action {
	case "run":
		os.Exit(runAction())
	case "get-config":
		os.Exit(getConfigAction())
	case "check-connection":
		os.Exit(checkConnectionAction())
	case "request-certificate-sign":
		os.Exit(requestCertificateSignAction())
	case "fetch-certificate":
		os.Exit(fetchCertificateAction())
	case "initialize":
		os.Exit(initializeAction())
	case "test-sensors":
		os.Exit(testSensorsAction())
	case "sensor":
		os.Exit(sensorChildAction())
	default:
		fmt.Fprintf(os.Stderr, "agent: unknown action %q\n", action)
		os.Exit(1)
	}
}

// flags binds the common --config-path/--webapi-url/--id/--dbpath/
// --certs-dir/--log-json group named in spec §6 over config.Load's
// env-var defaults.
func flags() *config.Static {
	cfg := config.Load()
	flag.StringVar(&cfg.ConfigPath, "config-path", cfg.ConfigPath, "persisted AgentConfig YAML path")
	flag.StringVar(&cfg.WebAPIURL, "webapi-url", cfg.WebAPIURL, "collector base URL")
	flag.StringVar(&cfg.ID, "id", cfg.ID, "agent id override")
	flag.StringVar(&cfg.DBPath, "dbpath", cfg.DBPath, "spool database file")
	flag.StringVar(&cfg.CertsDir, "certs-dir", cfg.CertsDir, "certificate directory")
	flag.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "emit JSON logs")
	flag.Parse()
	return cfg
}

func resolveAgentID(cfg *config.Static) string {
	if cfg.ID != "" {
		return cfg.ID
	}
	hostname, _ := os.Hostname()
	mac := firstMACAddress()
	sum := sha1.Sum([]byte(hostname + mac))
	return fmt.Sprintf("%x", sum)
}

func firstMACAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}

func newTransport(cfg *config.Static, agentID string) (*transport.Transport, error) {
	paths := enroll.Paths{Dir: cfg.CertsDir}
	return transport.New(cfg.WebAPIURL, agentID, paths.CAPath(), paths.CrtPath(), paths.KeyPath())
}

// runAction executes the full agent lifecycle: clock sync, Receiver,
// Shipper, and the Supervisor's main loop, until SIGTERM/SIGINT.
func runAction() int {
	cfg := flags()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "agent: configuration error: %v\n", err)
		return 1
	}

	log := logging.New(cfg.LogJSON)
	agentID := resolveAgentID(cfg)

	t, err := newTransport(cfg, agentID)
	if err != nil {
		log.Error("agent: failed to initialize transport", "error", err)
		return 1
	}

	sp, err := spool.Open(cfg.DBPath)
	if err != nil {
		log.Error("agent: failed to open spool", "error", err)
		return 1
	}
	defer sp.Close()

	binaryPath, err := os.Executable()
	if err != nil {
		log.Error("agent: failed to resolve own binary path", "error", err)
		return 1
	}

	sup := supervisor.New(cfg, t, sp, binaryPath, clock.Real{}, log.Logger)
	errSink := sup
	logWithForwarding := logging.WithErrorForwarding(log, errSink)

	rcv := receiver.New(sup.ResultQueue(), sp, clock.Real{}, logWithForwarding.Logger)
	shp := shipper.New(sp, t, clock.Real{}, logWithForwarding.Logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("agent starting", "id", agentID)
	if err := sup.Run(ctx, rcv, shp); err != nil {
		log.Error("agent: supervisor exited with error", "error", err)
		return 1
	}
	return 0
}

func getConfigAction() int {
	cfg := flags()
	log := logging.New(cfg.LogJSON)
	agentID := resolveAgentID(cfg)

	t, err := newTransport(cfg, agentID)
	if err != nil {
		log.Error("get-config: failed to initialize transport", "error", err)
		return 1
	}

	status, body, err := t.Get(context.Background(), "/agent_config/")
	if err != nil {
		log.Error("get-config: request failed", "error", err)
		return 1
	}
	if status != 200 {
		fmt.Fprintf(os.Stderr, "get-config: unexpected status %d\n", status)
		return 1
	}
	fmt.Println(string(body))
	return 0
}

func checkConnectionAction() int {
	cfg := flags()
	log := logging.New(cfg.LogJSON)
	agentID := resolveAgentID(cfg)

	t, err := newTransport(cfg, agentID)
	if err != nil {
		log.Error("check-connection: failed to initialize transport", "error", err)
		return 1
	}

	status, _, err := t.Get(context.Background(), "/")
	if err != nil {
		log.Error("check-connection: failed", "error", err)
		return 1
	}
	if status != 200 {
		fmt.Fprintf(os.Stderr, "check-connection: unexpected status %d\n", status)
		return 1
	}
	fmt.Println("connection ok")
	return 0
}

// requestCertificateSignAction generates the agent's key/CSR if needed
// and submits it anonymously to the collector, logging the short
// identificator named in §12.3.
func requestCertificateSignAction() int {
	cfg := flags()
	log := logging.New(cfg.LogJSON)
	agentID := resolveAgentID(cfg)

	paths := enroll.Paths{Dir: cfg.CertsDir}
	hostname, _ := os.Hostname()
	if err := enroll.EnsureKeyAndCSR(paths, hostname, enroll.DefaultSubject); err != nil {
		log.Error("request-certificate-sign: failed to prepare key/csr", "error", err)
		return 1
	}

	t, err := newTransport(cfg, agentID)
	if err != nil {
		log.Error("request-certificate-sign: failed to initialize transport", "error", err)
		return 1
	}

	if id, err := identificator(paths); err == nil {
		log.Info("request-certificate-sign: submitting CSR", "identificator", id)
	}

	if err := enroll.SubmitCSR(context.Background(), t, paths); err != nil {
		log.Error("request-certificate-sign: submission failed", "error", err)
		return 1
	}
	fmt.Println("certificate signing request submitted")
	return 0
}

// identificator derives the MD5-hex-truncated-to-8-chars operator-facing
// correlation string named in §12.3, computed over the CSR's public key
// DER bytes.
func identificator(paths enroll.Paths) (string, error) {
	csrPEM, err := enroll.ReadCSR(paths)
	if err != nil {
		return "", err
	}
	block, _ := pem.Decode(csrPEM)
	if block == nil {
		return "", fmt.Errorf("no PEM block in csr")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(csr.RawSubjectPublicKeyInfo)
	return fmt.Sprintf("%x", sum)[:8], nil
}

func fetchCertificateAction() int {
	cfg := flags()
	log := logging.New(cfg.LogJSON)
	agentID := resolveAgentID(cfg)

	paths := enroll.Paths{Dir: cfg.CertsDir}
	if !fileExists(paths.CSRPath()) {
		fmt.Fprintln(os.Stderr, "fetch-certificate: no CSR on disk, run request-certificate-sign first")
		return 1
	}

	wsURL := cfg.WebAPIURL + "/ws"
	if err := enroll.PollCertificate(context.Background(), wsURL, agentID, paths, log.Logger); err != nil {
		log.Error("fetch-certificate: failed", "error", err)
		return 1
	}
	fmt.Println("certificate installed")
	return 0
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// initializeAction runs the full enrollment sequence: generate key/CSR,
// submit it, then poll until a certificate is installed.
func initializeAction() int {
	if rc := requestCertificateSignAction(); rc != 0 {
		return rc
	}
	return fetchCertificateAction()
}

// testSensorsAction spawns one sensor kind in-process against an inline
// JSON config and a throwaway SensorStorage, printing DataPoints to
// stdout: a periodic kind runs again every sampling_period until SIGINT
// (once if the config sets no sampling_period); other kinds run once
// (§12.4).
func testSensorsAction() int {
	kind := flag.String("kind", "", "sensor kind to run")
	configJSON := flag.String("config", "{}", "inline JSON config")
	flag.Parse()

	if *kind == "" {
		fmt.Fprintf(os.Stderr, "test-sensors: --kind is required; known kinds: %v\n", sensors.Kinds())
		return 1
	}

	sensor, ok := sensors.New(*kind)
	if !ok {
		fmt.Fprintf(os.Stderr, "test-sensors: unknown kind %q; known kinds: %v\n", *kind, sensors.Kinds())
		return 1
	}

	var cfg map[string]any
	if err := json.Unmarshal([]byte(*configJSON), &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "test-sensors: invalid --config json: %v\n", err)
		return 1
	}

	backend := &memStorageBackend{data: map[string][]byte{}}
	mgr := sensorstorage.NewManager(backend, logging.New(false).Logger)
	storage := &inMemoryStorageClient{m: mgr.Get(sensorstorage.Name(*kind, "test"))}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	for sensor.Periodic() {
		select {
		case <-ctx.Done():
			return 0
		default:
		}
		samples, err := sensor.Run(ctx, cfg, storage)
		if err != nil {
			fmt.Fprintf(os.Stderr, "test-sensors: run failed: %v\n", err)
			return 1
		}
		for _, s := range samples {
			fmt.Printf("%s.%s = %v\n", *kind, s.Stream, s.Value)
		}
		period := config.SensorDescriptor{Config: cfg}.SamplingPeriod()
		if period <= 0 {
			return 0
		}
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(period):
		}
	}

	samples, err := sensor.Run(ctx, cfg, storage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "test-sensors: run failed: %v\n", err)
		return 1
	}
	for _, s := range samples {
		fmt.Printf("%s.%s = %v\n", *kind, s.Stream, s.Value)
	}
	return 0
}

// memStorageBackend is test-sensors' throwaway in-memory SensorStorage
// backend: it never flushes anywhere.
type memStorageBackend struct{ data map[string][]byte }

func (m *memStorageBackend) GetStorage(key string) ([]byte, error) { return m.data[key], nil }
func (m *memStorageBackend) UpsertStorage(key string, value []byte) error {
	m.data[key] = append([]byte(nil), value...)
	return nil
}

// inMemoryStorageClient adapts a local sensorstorage.Map to worker.
// StorageClient, used only by test-sensors which runs in-process and has
// no stdio pipe to round-trip storage_get/storage_put over.
type inMemoryStorageClient struct{ m *sensorstorage.Map }

func (c *inMemoryStorageClient) Get(field string) (json.RawMessage, bool, error) {
	v, ok := c.m.Get(field)
	return v, ok, nil
}

func (c *inMemoryStorageClient) Put(field string, value json.RawMessage) error {
	c.m.Set(field, value)
	return nil
}

// sensorChildAction is the re-exec entrypoint for a SensorWorker process,
// spawned by internal/worker.Spawn as `<binary> sensor --kind=<kind>
// --config-id=<id>`. It ignores SIGINT (only the Supervisor decides when
// a sensor worker stops) and enters RunChild with no initial config, so
// RunChild blocks reading the first config frame from stdin.
func sensorChildAction() int {
	kind := flag.String("kind", "", "sensor kind")
	configID := flag.String("config-id", "", "config_id, used as the storage key namespace")
	flag.Parse()

	signal.Ignore(syscall.SIGINT)

	sensor, ok := sensors.New(*kind)
	if !ok {
		fmt.Fprintf(os.Stderr, "sensor: unknown kind %q\n", *kind)
		return 1
	}

	storageKey := sensorstorage.Name(*kind, *configID)
	err := worker.RunChild(context.Background(), clock.Real{}, sensor, storageKey, os.Stdin, os.Stdout, nil)
	if err != nil {
		if err == worker.ErrSensorTimeout() {
			return worker.SensorTimeoutExitCode
		}
		return 1
	}
	return 0
}
