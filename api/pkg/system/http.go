package system

import (
	"context"
	"encoding/json"
	"io"
	stdlog "log"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
)

// the sub path the supervisor API is served over
const APISubPath = "/api/v1"

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return e.Message
}

func NewHTTPError400(message string) *HTTPError {
	return &HTTPError{StatusCode: http.StatusBadRequest, Message: message}
}

func NewHTTPError404(message string) *HTTPError {
	return &HTTPError{StatusCode: http.StatusNotFound, Message: message}
}

func NewHTTPError409(message string) *HTTPError {
	return &HTTPError{StatusCode: http.StatusConflict, Message: message}
}

func NewHTTPError500(message string) *HTTPError {
	return &HTTPError{StatusCode: http.StatusInternalServerError, Message: message}
}

// functions that understand they need to return a http error
type httpWrapper[T any] func(res http.ResponseWriter, req *http.Request) (T, *HTTPError)

// normal functions that return just an error
// which will be translated into a 500
type defaultWrapper[T any] func(res http.ResponseWriter, req *http.Request) (T, error)

// wrap a http handler with some error handling
// so if it returns an error we handle it
func Wrapper[T any](handler httpWrapper[T]) func(res http.ResponseWriter, req *http.Request) {
	return func(res http.ResponseWriter, req *http.Request) {
		data, err := handler(res, req)
		if err != nil {
			log.Error().Msgf("error for route %s: %s", req.URL.Path, err.Error())
			statusCode := err.StatusCode
			if statusCode == 0 {
				statusCode = http.StatusInternalServerError
			}
			http.Error(res, err.Error(), statusCode)
			return
		}
		res.Header().Set("Content-Type", "application/json")
		if jsonError := json.NewEncoder(res).Encode(data); jsonError != nil {
			log.Ctx(req.Context()).Error().Msgf("error for json encoding: %s", jsonError.Error())
			http.Error(res, jsonError.Error(), http.StatusInternalServerError)
		}
	}
}

// DefaultWrapper is for handlers that just return a result and a normal
// error - any error becomes a 500. Handlers that care about status codes
// should use Wrapper and produce HTTPErrors themselves.
func DefaultWrapper[T any](handler defaultWrapper[T]) func(res http.ResponseWriter, req *http.Request) {
	return Wrapper(func(res http.ResponseWriter, req *http.Request) (T, *HTTPError) {
		data, err := handler(res, req)
		if err != nil {
			return data, NewHTTPError500(err.Error())
		}
		return data, nil
	})
}

// NewRetryClient builds the retryablehttp client the supervisor uses to talk
// to workers. Freshly spawned workers need warm-up time, hence the retries;
// server errors are retried, auth-style errors are not.
func NewRetryClient(retryMax int) *retryablehttp.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retryMax
	retryClient.Logger = stdlog.New(io.Discard, "", stdlog.LstdFlags)
	retryClient.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		log.Trace().
			Str(req.Method, req.URL.String()).
			Int("attempt", attempt).
			Msgf("")
	}
	retryClient.CheckRetry = func(_ context.Context, resp *http.Response, err error) (bool, error) {
		if resp == nil {
			return true, err
		}
		return resp.StatusCode >= 500, nil
	}
	return retryClient
}
