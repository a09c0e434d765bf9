package logging

import (
	"fmt"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// Setup installs the default logger for a gopublish process. Logs always go
// to stderr as text; when logFilePath is set they are additionally appended
// there as json, tagged with the service type ("api" or "worker") so that
// both processes can share one file.
func Setup(logFilePath, serviceType string) error {
	textHandler := slog.NewTextHandler(os.Stderr, nil)

	if logFilePath == "" {
		slog.SetDefault(slog.New(textHandler))
		return nil
	}

	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		return fmt.Errorf("error opening log file: %w", err)
	}

	var jsonHandler slog.Handler = slog.NewJSONHandler(logFile, nil)
	jsonHandler = jsonHandler.WithAttrs([]slog.Attr{slog.String("service_type", serviceType)})

	slog.SetDefault(slog.New(slogmulti.Fanout(jsonHandler, textHandler)))
	slog.Info("logging initialized", "log_file", logFilePath, "service_type", serviceType)
	return nil
}
