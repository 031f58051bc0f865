// Package middleware holds echo middleware for carrier webhooks and the
// softphone endpoint.
package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// TwilioParamsKey is the echo context key holding the parsed webhook form.
const TwilioParamsKey = "twilioParams"

// SignTwilio computes the X-Twilio-Signature for a request to fullURL.
func SignTwilio(authToken, fullURL string, params map[string]string) string {
	data := fullURL
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// validateTwilioSignature verifies Twilio request signatures.
func validateTwilioSignature(authToken, signature, fullURL string, params map[string]string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	expected := SignTwilio(authToken, fullURL, params)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// TwilioConfig configures TwilioAuth.
type TwilioConfig struct {
	// AuthToken returns the current account auth token.
	AuthToken func() string
	// PublicURL maps a request to the URL Twilio signed. Behind a proxy this
	// is the public URL rather than r.URL.
	PublicURL func(r *http.Request) string
	// Skip disables validation, for local development only.
	Skip   bool
	Logger *zap.Logger
}

// TwilioAuth validates Twilio webhook requests using the signature header.
// Only /twilio/ paths are checked. The parsed form is stored under
// TwilioParamsKey and the body is restored for later binding.
func TwilioAuth(cfg TwilioConfig) echo.MiddlewareFunc {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/twilio/") {
				return next(c)
			}

			bodyBytes, err := io.ReadAll(req.Body)
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to read request body")
			}
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			formData, err := url.ParseQuery(string(bodyBytes))
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to parse form data")
			}
			params := make(map[string]string)
			for key, values := range formData {
				if len(values) > 0 {
					params[key] = values[0]
				}
			}
			c.Set(TwilioParamsKey, params)

			if cfg.Skip {
				return next(c)
			}
			authToken := ""
			if cfg.AuthToken != nil {
				authToken = cfg.AuthToken()
			}
			if authToken == "" {
				return c.String(http.StatusInternalServerError, "TWILIO_AUTH_TOKEN not configured")
			}

			requestURL := "https://" + req.Host + req.URL.RequestURI()
			if cfg.PublicURL != nil {
				requestURL = cfg.PublicURL(req)
			}
			signature := req.Header.Get("X-Twilio-Signature")
			if !validateTwilioSignature(authToken, signature, requestURL, params) {
				logger.Warn("rejected twilio webhook",
					zap.String("path", req.URL.Path),
					zap.String("call_sid", params["CallSid"]),
					zap.Bool("signature_present", signature != ""))
				return c.String(http.StatusUnauthorized, "Invalid Twilio signature")
			}
			return next(c)
		}
	}
}

// TwilioParams returns the form parsed by TwilioAuth, or the request form
// when the middleware did not run.
func TwilioParams(c echo.Context) map[string]string {
	if p, ok := c.Get(TwilioParamsKey).(map[string]string); ok {
		return p
	}
	params := make(map[string]string)
	if form, err := c.FormParams(); err == nil {
		for k, v := range form {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
	}
	return params
}
