package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// botAPI is a minimal Telegram Bot API client covering the methods the
// relay needs.
type botAPI struct {
	http      *http.Client
	baseURL   string
	token     string
	retryBase time.Duration // backoff when Telegram gives no retry_after
}

func newBotAPI(httpClient *http.Client, baseURL, token string) *botAPI {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	return &botAPI{
		http:      httpClient,
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		retryBase: time.Second,
	}
}

// RequestError is a failed Bot API call.
type RequestError struct {
	Method      string
	StatusCode  int
	ErrorCode   int
	Description string
	RetryAfter  time.Duration
}

func (e *RequestError) Error() string {
	desc := strings.TrimSpace(e.Description)
	if desc == "" {
		desc = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("telegram %s: http %d: %s", e.Method, e.StatusCode, desc)
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// call POSTs params as JSON to method and decodes the result into out.
// Rate-limited calls are retried after the delay Telegram asks for.
func (api *botAPI) call(ctx context.Context, method string, params, out any) error {
	for attempt := 0; ; attempt++ {
		err := api.do(ctx, method, params, out)
		var reqErr *RequestError
		if err == nil || !errors.As(err, &reqErr) || reqErr.ErrorCode != http.StatusTooManyRequests || attempt == maxRetries {
			return err
		}
		wait := reqErr.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * api.retryBase
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (api *botAPI) do(ctx context.Context, method string, params, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("telegram %s: encode: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", api.baseURL, api.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := api.http.Do(req)
	if err != nil {
		return err
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	var ar apiResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &RequestError{Method: method, StatusCode: resp.StatusCode, Description: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("telegram %s: decode: %w", method, err)
	}
	if !ar.OK {
		reqErr := &RequestError{
			Method:      method,
			StatusCode:  resp.StatusCode,
			ErrorCode:   ar.ErrorCode,
			Description: ar.Description,
		}
		if ar.Parameters != nil && ar.Parameters.RetryAfter > 0 {
			reqErr.RetryAfter = time.Duration(ar.Parameters.RetryAfter) * time.Second
		}
		return reqErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(ar.Result, out); err != nil {
		return fmt.Errorf("telegram %s: decode result: %w", method, err)
	}
	return nil
}

// isPollTimeout reports whether err is the expected end of a long poll.
func isPollTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// --- Wire types (subset) ---

type update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *message       `json:"message,omitempty"`
	CallbackQuery *callbackQuery `json:"callback_query,omitempty"`
}

type message struct {
	MessageID       int64       `json:"message_id"`
	MessageThreadID int64       `json:"message_thread_id,omitempty"`
	Chat            chat        `json:"chat"`
	From            *user       `json:"from,omitempty"`
	ReplyTo         *message    `json:"reply_to_message,omitempty"`
	Text            string      `json:"text,omitempty"`
	Caption         string      `json:"caption,omitempty"`
	Entities        []entity    `json:"entities,omitempty"`
	CaptionEntities []entity    `json:"caption_entities,omitempty"`
	Photo           []photoSize `json:"photo,omitempty"`
	Document        *fileRef    `json:"document,omitempty"`
	Video           *fileRef    `json:"video,omitempty"`
	Audio           *fileRef    `json:"audio,omitempty"`
	Voice           *fileRef    `json:"voice,omitempty"`
}

type chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"` // private|group|supergroup|channel
}

type user struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

type entity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

type photoSize struct {
	FileID string `json:"file_id"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

type fileRef struct {
	FileID string `json:"file_id"`
}

type callbackQuery struct {
	ID      string   `json:"id"`
	From    user     `json:"from"`
	Message *message `json:"message,omitempty"`
	Data    string   `json:"data,omitempty"`
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type inlineKeyboard struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type sendParams struct {
	ChatID           string          `json:"chat_id"`
	MessageThreadID  int64           `json:"message_thread_id,omitempty"`
	Text             string          `json:"text,omitempty"`
	Caption          string          `json:"caption,omitempty"`
	Photo            string          `json:"photo,omitempty"`
	Document         string          `json:"document,omitempty"`
	Video            string          `json:"video,omitempty"`
	Audio            string          `json:"audio,omitempty"`
	Voice            string          `json:"voice,omitempty"`
	ReplyToMessageID int64           `json:"reply_to_message_id,omitempty"`
	ReplyMarkup      *inlineKeyboard `json:"reply_markup,omitempty"`
}

type editParams struct {
	ChatID    string `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
}

type answerCallbackParams struct {
	CallbackQueryID string `json:"callback_query_id"`
	Text            string `json:"text,omitempty"`
}

type getUpdatesParams struct {
	Offset         int64    `json:"offset,omitempty"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates,omitempty"`
}

func (api *botAPI) getMe(ctx context.Context) (*user, error) {
	var me user
	if err := api.call(ctx, "getMe", struct{}{}, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// getUpdates long-polls for updates and returns them with the next offset.
func (api *botAPI) getUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]update, int64, error) {
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	var updates []update
	err := api.do(reqCtx, "getUpdates", getUpdatesParams{
		Offset:         offset,
		Timeout:        secs,
		AllowedUpdates: []string{"message", "callback_query"},
	}, &updates)
	if err != nil {
		return nil, offset, err
	}
	next := offset
	for _, u := range updates {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
	}
	return updates, next, nil
}

// send calls sendMessage or the send method matching the attached media.
func (api *botAPI) send(ctx context.Context, method string, p sendParams) (*message, error) {
	var m message
	if err := api.call(ctx, method, p, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (api *botAPI) editMessageText(ctx context.Context, p editParams) error {
	return api.call(ctx, "editMessageText", p, nil)
}

func (api *botAPI) answerCallbackQuery(ctx context.Context, p answerCallbackParams) error {
	return api.call(ctx, "answerCallbackQuery", p, nil)
}
