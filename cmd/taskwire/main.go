package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/bugsnag/bugsnag-go"
	"github.com/sirupsen/logrus"

	"github.com/taskwire/taskwire"
)

func main() {
	bugsnag.Configure(bugsnag.Configuration{
		APIKey:          getEnv("BUGSNAG_API_KEY", ""),
		ProjectPackages: []string{"main", "github.com/taskwire/taskwire"},
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	})

	apiURLPtr := flag.String("api-url", getEnv("TASKWIRE_API_URL", "http://localhost:3000/api"), "task-manager API base url")
	tokenPtr := flag.String("token", getEnv("TASKWIRE_TOKEN", ""), "bearer token for the API and push channel")
	userIDPtr := flag.Int64("user-id", getEnvInt64("TASKWIRE_USER_ID", 0), "id of the session owner")
	userNamePtr := flag.String("user-name", getEnv("TASKWIRE_USER_NAME", ""), "display name of the session owner")
	rolePtr := flag.String("role", getEnv("TASKWIRE_ROLE", "employee"), "role of the session owner (employee, manager, admin)")
	configPtr := flag.String("config", getEnv("TASKWIRE_CONFIG", ""), "path to a TOML config file")
	showStatusPtr := flag.Bool("show-status", true, "show table with conversation status")
	refreshRatePtr := flag.Int("refresh-rate", 60, "refresh rate in seconds for the status table")
	verbosePtr := flag.Bool("verbose", false, "log debug stuff")

	flag.Parse()

	if *verbosePtr {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if *tokenPtr == "" || *userIDPtr == 0 {
		logrus.Fatal("-token and -user-id are required")
	}

	cfg, err := taskwire.LoadConfig(*configPtr)
	if err != nil {
		logrus.WithError(err).Fatal("bad configuration")
	}

	self := taskwire.User{ID: *userIDPtr, Name: *userNamePtr, Role: *rolePtr}
	api := taskwire.NewAPIClient(*apiURLPtr, *tokenPtr)

	var factory taskwire.TransportFactory
	switch cfg.Transport.Kind {
	case "mqtt":
		clientID := fmt.Sprintf("taskwire-%d", self.ID)
		factory = taskwire.NewMQTTFactory(cfg.Transport.Broker, clientID,
			cfg.Transport.User, cfg.Transport.Pass, self.ID)
	default:
		factory = taskwire.NewWebsocketFactory(cfg.Transport.Broker, api.Token)
	}

	session := taskwire.NewSession(cfg, self, api, factory)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := session.SyncNow(ctx); err != nil {
		logrus.WithError(err).Warn("initial sync failed, continuing with empty state")
	}
	cancel()

	session.Start()
	logrus.Infof("🔌 taskwire session up for %s over %s", self.Name, cfg.Transport.Kind)

	if *showStatusPtr {
		go session.PrintStatusForever(*refreshRatePtr)
	}
	go logAlertsForever(session)

	session.SetupCloseHandler()
	defer session.Teardown()

	// sleep forever while goroutines do their thing
	for {
		time.Sleep(10 * time.Millisecond)
		runtime.Gosched()
	}
}

func logAlertsForever(session *taskwire.Session) {
	for alert := range session.Alerts() {
		logrus.Infof("🔔 %s: %s", alert.Title, alert.Body)
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
