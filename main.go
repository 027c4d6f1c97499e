package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"minichat/api"
	"minichat/auth"
	"minichat/bus"
	"minichat/chat"
	"minichat/ingest"
	"minichat/store"
	"minichat/ws"
)

const (
	kafkaGroupId        = "minichat"
	kafkaTopic          = "minichat-notices"
	noticeValueMaxBytes = 4096
)

var (
	flagAddr    = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile = flag.String("pid-file", "minichat.pid", "pid file")

	flagEngine   = flag.String("engine", "memory", "storage engine: memory, mysql or bolt")
	flagMysqlDsn = flag.String("mysql-dsn", "root:@tcp(127.0.0.1:3306)/minichat?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci", "mysql server dsn, engine=mysql")
	flagBoltPath = flag.String("bolt-path", "minichat.db", "bolt database file, engine=bolt")

	flagKafkaBrokers = flag.String("kafka-brokers", "", "comma separated kafka brokers for the notice topic, empty disables notice ingest")

	flagSessionBuffer  = flag.Uint("session-buffer", 64, "per session event buffer, a session that falls this far behind gets disconnected")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	glog.Info("minichat server is starting")

	st, closeStore, v := openStore()
	if v > 0 {
		return v
	}
	defer closeStore()

	b := bus.New()
	resolver := chat.NewResolver(st, b)
	messages := chat.NewMessages(st, b)
	seen := chat.NewSeen(st, b)

	authClient := newAuthClient()
	hub := ws.NewHub(authClient, b, messages, seen, int(*flagSessionBuffer))

	router := mux.NewRouter()
	api.New(authClient, resolver, messages, seen, hub).RegisterRoutes(router)
	router.Handle("/ws", hub)
	if !*flagDisableMetrics {
		router.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ingestDone := make(chan struct{})
	if *flagKafkaBrokers != "" {
		brokers := strings.Split(*flagKafkaBrokers, ",")
		ing := ingest.New(b, ingest.NewReader(brokers, kafkaGroupId, kafkaTopic), noticeValueMaxBytes)
		go func() {
			ing.Run(ctx)
			close(ingestDone)
		}()
	} else {
		close(ingestDone)
	}

	httpServer := &http.Server{Addr: *flagAddr, Handler: router}
	httpErrChan := make(chan error, 1)
	go func() {
		httpErrChan <- httpServer.ListenAndServe()
	}()

	glog.Infof("minichat server is serving at %s", *flagAddr)
	glog.Infof("`CTRL+c` or `kill %d` to graceful stop", pid)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-httpErrChan:
		return errorf("http server error: %v", err)
	case sig := <-sigCh:
		glog.Infof("received signal `%s`, stopping", sig.String())
	}

	signal.Stop(sigCh)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("http server shutdown error: %v", err)
	}

	hub.Close()
	<-ingestDone

	glog.Info("minichat server exited")
	return 0
}

func openStore() (store.IStore, func(), int) {
	switch *flagEngine {
	case "memory":
		return store.NewMemStore(), func() {}, 0
	case "mysql":
		db, err := sql.Open("mysql", *flagMysqlDsn)
		if err != nil {
			return nil, nil, errorf("sql.Open error, dsn: %s, err: %v", *flagMysqlDsn, err)
		}
		db.SetConnMaxLifetime(time.Minute * 3)
		db.SetMaxOpenConns(100)
		db.SetMaxIdleConns(1)
		return store.NewSQLStore(db), func() { _ = db.Close() }, 0
	case "bolt":
		bs, err := store.OpenBoltStore(*flagBoltPath)
		if err != nil {
			return nil, nil, errorf("error open bolt db `%s`: %v", *flagBoltPath, err)
		}
		return bs, func() { _ = bs.Close() }, 0
	default:
		return nil, nil, errorf("unknown --engine `%s`", *flagEngine)
	}
}

func newAuthClient() auth.Client {
	// TODO: hook into production auth API.
	return &auth.MockClient{}
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	switch *flagEngine {
	case "memory":
	case "mysql":
		if *flagMysqlDsn == "" {
			return errorf("--mysql-dsn is required with --engine=mysql")
		}
	case "bolt":
		if *flagBoltPath == "" {
			return errorf("--bolt-path is required with --engine=bolt")
		}
	default:
		return errorf("--engine MUST be one of: memory, mysql, bolt")
	}
	if *flagSessionBuffer == 0 {
		return errorf("--session-buffer is required positive integer")
	}
	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// Ok, see, if we have a stale lockfile here
		content, err := ioutil.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(string(content))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			} else {
				glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := ioutil.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
