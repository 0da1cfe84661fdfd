package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"unlock-bot/logger"
)

// UserAgent matches the vendor's Android app.
const UserAgent = "okhttp/4.12.0"

// applyBody asks the server to treat the call as a retry of an earlier apply.
var applyBody = []byte(`{"is_retry":true}`)

// Response codes of the account API.
const (
	codeOK            = 0
	codeCookieExpired = 100004
)

const maxBody = 1 << 20

var (
	// ErrStatusCheck is matched by every refusal of the pre-flight account check.
	ErrStatusCheck = errors.New("account status check failed")
	// ErrDispatch is matched by every submission that did not produce a decodable answer.
	ErrDispatch = errors.New("submission failed")
)

// Session is the operator's credentials for one cycle.
type Session struct {
	Token    string // new_bbs_serviceToken cookie value
	DeviceID string
}

// Cookie is the Cookie header value the API expects.
func (s Session) Cookie() string {
	return fmt.Sprintf("new_bbs_serviceToken=%s;deviceId=%s;", s.Token, s.DeviceID)
}

// AccountState is the pre-flight verdict on the account.
type AccountState string

const (
	AccountReady         AccountState = "ready"
	AccountBlocked       AccountState = "blocked"
	AccountTooNew        AccountState = "too_new"
	AccountApproved      AccountState = "approved"
	AccountCookieExpired AccountState = "cookie_expired"
	AccountUnknown       AccountState = "unknown"
)

// Status is the decoded bl-switch state.
type Status struct {
	State       AccountState
	Code        int
	IsPass      int
	ButtonState int
	Deadline    string // server formatted date, set for blocked and approved
}

// StatusError means the status check refused to proceed. It matches
// ErrStatusCheck.
type StatusError struct {
	Status Status
	Err    error // transport or decode failure, nil for a refused state
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("account status check failed: %v", e.Err)
	}
	switch e.Status.State {
	case AccountCookieExpired:
		return "account status check failed: cookie expired, get a new one"
	case AccountBlocked:
		return fmt.Sprintf("account status check failed: blocked until %s", e.Status.Deadline)
	case AccountTooNew:
		return "account status check failed: account must be at least 30 days old"
	case AccountApproved:
		return fmt.Sprintf("account status check failed: already approved until %s", e.Status.Deadline)
	}
	return fmt.Sprintf("account status check failed: unexpected state (code %d, is_pass %d, button_state %d)",
		e.Status.Code, e.Status.IsPass, e.Status.ButtonState)
}

func (e *StatusError) Is(target error) bool { return target == ErrStatusCheck }
func (e *StatusError) Unwrap() error        { return e.Err }

// Outcome classifies the apply response.
type Outcome string

const (
	OutcomeApproved     Outcome = "approved"
	OutcomeLimitReached Outcome = "limit_reached"
	OutcomeRejected     Outcome = "rejected" // non-zero response code
	OutcomeUnknown      Outcome = "unknown"
)

// Submission is the answer to an apply request.
type Submission struct {
	Outcome     Outcome
	Code        int
	ApplyResult int
	Deadline    string
	Message     string
	Request     *RequestResult
}

// DispatchError reports where a submission broke down.
type DispatchError struct {
	Stage      string // "request", "transport", "http", "decode"
	StatusCode int
	Detail     string
	Err        error
}

func (e *DispatchError) Error() string {
	msg := "submission failed at " + e.Stage
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DispatchError) Is(target error) bool { return target == ErrDispatch }
func (e *DispatchError) Unwrap() error        { return e.Err }

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type statusData struct {
	IsPass         int    `json:"is_pass"`
	ButtonState    int    `json:"button_state"`
	DeadlineFormat string `json:"deadline_format"`
}

type applyData struct {
	ApplyResult    int    `json:"apply_result"`
	DeadlineFormat string `json:"deadline_format"`
}

// Account binds a session to the status and apply endpoints.
type Account struct {
	client    *LowLatencyClient
	session   Session
	statusURL string
	applyURL  string
	log       logger.Logger
}

// NewAccount binds a session to the status and apply endpoints.
func NewAccount(c *LowLatencyClient, s Session, statusURL, applyURL string, log logger.Logger) *Account {
	return &Account{client: c, session: s, statusURL: statusURL, applyURL: applyURL, log: log}
}

func (a *Account) Session() Session { return a.session }

func (a *Account) headers() map[string]string {
	return map[string]string{
		"Cookie":          a.session.Cookie(),
		"Content-Type":    "application/json; charset=utf-8",
		"Accept-Encoding": "gzip, deflate, br",
		"User-Agent":      UserAgent,
		"Connection":      "keep-alive",
	}
}

// Prewarm opens the connection to the apply host.
func (a *Account) Prewarm(ctx context.Context) error {
	res, err := a.client.Prewarm(ctx, a.applyURL)
	if err != nil {
		return err
	}
	a.log.Info("connection to apply host ready (connect %s, total %s)", res.ConnectDone, res.TotalDuration)
	return nil
}

// CheckStatus fetches the account state. Any state other than ready is
// returned as a *StatusError.
func (a *Account) CheckStatus(ctx context.Context) (Status, error) {
	res, err := a.client.ExecuteRequestWithHeaders(ctx, http.MethodGet, a.statusURL, nil, a.headers())
	if err != nil {
		return Status{}, &StatusError{Err: err}
	}
	if res.Error != "" {
		return Status{}, &StatusError{Err: errors.New(res.Error)}
	}

	// Rate limiting or a ban at this point means the submission would be refused too.
	if res.StatusCode == http.StatusForbidden || res.StatusCode == http.StatusTooManyRequests {
		return Status{}, &StatusError{Err: fmt.Errorf("HTTP %d from server: %s", res.StatusCode, describeBody(res.Body))}
	}

	var env envelope
	if err := json.Unmarshal(res.Body, &env); err != nil {
		return Status{}, &StatusError{Err: fmt.Errorf("HTTP %d: %s", res.StatusCode, describeBody(res.Body))}
	}
	st := Status{Code: env.Code, State: AccountUnknown}
	if env.Code == codeCookieExpired {
		st.State = AccountCookieExpired
		return st, &StatusError{Status: st}
	}
	var d statusData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return st, &StatusError{Status: st, Err: fmt.Errorf("decode data: %w", err)}
		}
	}
	st.IsPass, st.ButtonState, st.Deadline = d.IsPass, d.ButtonState, d.DeadlineFormat

	switch {
	case d.IsPass == 4 && d.ButtonState == 1:
		st.State = AccountReady
	case d.IsPass == 4 && d.ButtonState == 2:
		st.State = AccountBlocked
	case d.IsPass == 4 && d.ButtonState == 3:
		st.State = AccountTooNew
	case d.IsPass == 1:
		st.State = AccountApproved
	}
	if st.State != AccountReady {
		return st, &StatusError{Status: st}
	}
	a.log.Info("account ready for submission")
	return st, nil
}

// Apply sends the unlock application. A decoded answer, including a refusal,
// is a Submission with a nil error; a *DispatchError means the server's
// answer is unknown.
func (a *Account) Apply(ctx context.Context) (Submission, error) {
	res, err := a.client.ExecuteRequestWithHeaders(ctx, http.MethodPost, a.applyURL, applyBody, a.headers())
	if err != nil {
		return Submission{}, &DispatchError{Stage: "request", Err: err}
	}
	sub := Submission{Request: res}
	if res.Error != "" {
		if res.StatusCode == 0 {
			return sub, &DispatchError{Stage: "transport", Err: errors.New(res.Error)}
		}
		return sub, &DispatchError{Stage: "decode", StatusCode: res.StatusCode, Err: errors.New(res.Error)}
	}

	var env envelope
	if err := json.Unmarshal(res.Body, &env); err != nil {
		stage := "decode"
		if res.StatusCode >= 400 {
			stage = "http"
		}
		return sub, &DispatchError{Stage: stage, StatusCode: res.StatusCode, Detail: describeBody(res.Body), Err: err}
	}
	sub.Code, sub.Message = env.Code, env.Msg
	if env.Code != codeOK {
		sub.Outcome = OutcomeRejected
		return sub, nil
	}

	var d applyData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return sub, &DispatchError{Stage: "decode", StatusCode: res.StatusCode, Err: err}
		}
	}
	sub.ApplyResult, sub.Deadline = d.ApplyResult, d.DeadlineFormat
	switch d.ApplyResult {
	case 1:
		sub.Outcome = OutcomeApproved
	case 3:
		sub.Outcome = OutcomeLimitReached
	default:
		sub.Outcome = OutcomeUnknown
	}
	return sub, nil
}

// readBody decodes the body according to Content-Encoding.
func readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	case "deflate":
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return nil, err
		}
		return inflate(raw)
	case "br":
		r = brotli.NewReader(resp.Body)
	}
	return io.ReadAll(io.LimitReader(r, maxBody))
}

// inflate accepts both zlib-wrapped and raw deflate streams; servers send either.
func inflate(raw []byte) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
		defer zr.Close()
		if b, err := io.ReadAll(io.LimitReader(zr, maxBody)); err == nil {
			return b, nil
		}
	}
	fr := flate.NewReader(bytes.NewReader(raw))
	defer fr.Close()
	return io.ReadAll(io.LimitReader(fr, maxBody))
}

// describeBody summarizes a non-JSON answer, typically a gateway or WAF page.
func describeBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return "empty body"
	}
	if strings.HasPrefix(s, "<") {
		if d := describeHTML(s); d != "" {
			return d
		}
	}
	return truncate(s, 120)
}

func describeHTML(s string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return ""
	}
	var parts []string
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		parts = append(parts, title)
	}
	if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" && (len(parts) == 0 || h1 != parts[0]) {
		parts = append(parts, h1)
	}
	if len(parts) == 0 {
		body := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
		if body == "" {
			return ""
		}
		parts = append(parts, body)
	}
	return truncate("html page: "+strings.Join(parts, " - "), 160)
}

// truncate keeps at most n bytes of s without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
