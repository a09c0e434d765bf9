package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"

	"gopublish/publish/repo"
	"gopublish/utils"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sys/unix"
)

var (
	publishMetric  = promauto.NewCounter(prometheus.CounterOpts{Name: "gopublish_publish_requests", Help: "Accepted publish requests"})
	pullMetric     = promauto.NewCounter(prometheus.CounterOpts{Name: "gopublish_pull_requests", Help: "Accepted pull requests"})
	downloadMetric = promauto.NewCounter(prometheus.CounterOpts{Name: "gopublish_downloads", Help: "Served downloads"})
)

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

func CodedError(err error, code int) error {
	return &codedError{err: err, code: code}
}

func GetResponseCode(err error) int {
	var cerr *codedError
	if errors.As(err, &cerr) {
		return cerr.code
	}
	slog.Error("non coded error passed to GetResponseCode", "error", err)
	return http.StatusInternalServerError
}

// validateEmail returns the normalized address or a coded validation error.
// Empty input is allowed: notification addresses are optional everywhere.
func validateEmail(address string) (string, error) {
	if address == "" {
		return "", nil
	}
	parsed, err := mail.ParseAddress(address)
	if err != nil {
		return "", CodedError(fmt.Errorf("the email address '%v' is not valid", address), http.StatusBadRequest)
	}
	return parsed.Address, nil
}

func checkDiskUsage(path string) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		slog.Error("unable to get disk usage", "path", path, "error", err)
		return CodedError(errors.New("unable to get disk usage"), http.StatusInternalServerError)
	}

	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bfree * uint64(stat.Bsize)

	// Either 20% of the disk needs to be free or 20Gb, whichever is smaller.
	threshold := min(total/5, 20*1024*1024*1024)
	if free < threshold {
		return CodedError(fmt.Errorf("insufficient disk space available on %v, usage: %v/%v",
			path, utils.HumanReadableSize(int64(total-free)), utils.HumanReadableSize(int64(total))), http.StatusInsufficientStorage)
	}
	return nil
}

// checkSufficientStorage guards publish requests against filling the public
// folders. It is a middleware so that the rejection happens before any
// record is created.
func checkSufficientStorage(registry *repo.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := func(w http.ResponseWriter, r *http.Request) {
			for _, rep := range registry.Repositories() {
				if err := checkDiskUsage(rep.PublicFolder); err != nil {
					slog.Error(err.Error())
					http.Error(w, err.Error(), GetResponseCode(err))
					return
				}
			}
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(handler)
	}
}
