// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package servicebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

const (
	armBaseURL    = "https://management.azure.com"
	armAPIVersion = "2021-11-01"
)

// TokenSource supplies a currently-valid bearer token for the management
// surface. Satisfied by the auth package's providers.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// ManagementConfig configures the ARM management client.
type ManagementConfig struct {
	SubscriptionID string
	ResourceGroup  string
	Namespace      string
	BaseURL        string // defaults to the public ARM endpoint
	Timeout        time.Duration
}

// ManagementClient talks to the Azure Resource Manager surface for namespace
// discovery and queue statistics. Calls are wrapped in a circuit breaker so a
// flapping management endpoint cannot stall the UI with long timeout chains.
type ManagementClient struct {
	cfg     ManagementConfig
	tokens  TokenSource
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewManagementClient creates a management client using tokens for bearer
// authorization.
func NewManagementClient(cfg ManagementConfig, tokens TokenSource) *ManagementClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = armBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &ManagementClient{
		cfg:    cfg,
		tokens: tokens,
		httpc:  &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "servicebus-management",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

type armList struct {
	Value []struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		Properties struct {
			ServiceBusEndpoint string `json:"serviceBusEndpoint"`
			CountDetails       struct {
				ActiveMessageCount     int64 `json:"activeMessageCount"`
				DeadLetterMessageCount int64 `json:"deadLetterMessageCount"`
				ScheduledMessageCount  int64 `json:"scheduledMessageCount"`
			} `json:"countDetails"`
		} `json:"properties"`
	} `json:"value"`
	NextLink string `json:"nextLink"`
}

// ListNamespaces lists Service Bus namespaces in the configured subscription.
func (m *ManagementClient) ListNamespaces(ctx context.Context) ([]NamespaceInfo, error) {
	path := fmt.Sprintf("/subscriptions/%s/providers/Microsoft.ServiceBus/namespaces",
		url.PathEscape(m.cfg.SubscriptionID))

	var out []NamespaceInfo
	err := m.paged(ctx, "list_namespaces", path, func(page *armList) {
		for _, v := range page.Value {
			out = append(out, NamespaceInfo{
				ID:       v.ID,
				Name:     v.Name,
				Endpoint: v.Properties.ServiceBusEndpoint,
			})
		}
	})
	return out, err
}

// ListQueues lists queue names in a namespace.
func (m *ManagementClient) ListQueues(ctx context.Context, namespace string) ([]string, error) {
	path := fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.ServiceBus/namespaces/%s/queues",
		url.PathEscape(m.cfg.SubscriptionID), url.PathEscape(m.cfg.ResourceGroup), url.PathEscape(namespace))

	var out []string
	err := m.paged(ctx, "list_queues", path, func(page *armList) {
		for _, v := range page.Value {
			out = append(out, v.Name)
		}
	})
	return out, err
}

// QueueStats fetches message counters for a queue in the configured
// namespace.
func (m *ManagementClient) QueueStats(ctx context.Context, queue string) (QueueStats, error) {
	path := fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.ServiceBus/namespaces/%s/queues/%s",
		url.PathEscape(m.cfg.SubscriptionID), url.PathEscape(m.cfg.ResourceGroup),
		url.PathEscape(m.cfg.Namespace), url.PathEscape(queue))

	body, err := m.get(ctx, "queue_stats", queue, path)
	if err != nil {
		return QueueStats{}, err
	}

	var parsed struct {
		Properties struct {
			CountDetails struct {
				ActiveMessageCount     int64 `json:"activeMessageCount"`
				DeadLetterMessageCount int64 `json:"deadLetterMessageCount"`
				ScheduledMessageCount  int64 `json:"scheduledMessageCount"`
			} `json:"countDetails"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return QueueStats{}, NewError(CodeTransient, "queue_stats", queue, err)
	}

	cd := parsed.Properties.CountDetails
	return QueueStats{
		Active:     cd.ActiveMessageCount,
		DeadLetter: cd.DeadLetterMessageCount,
		Scheduled:  cd.ScheduledMessageCount,
	}, nil
}

// paged follows ARM nextLink pagination.
func (m *ManagementClient) paged(ctx context.Context, op, path string, collect func(*armList)) error {
	next := m.cfg.BaseURL + path + "?api-version=" + armAPIVersion
	for next != "" {
		body, err := m.getURL(ctx, op, "", next)
		if err != nil {
			return err
		}
		var page armList
		if err := json.Unmarshal(body, &page); err != nil {
			return NewError(CodeTransient, op, "", err)
		}
		collect(&page)
		next = page.NextLink
	}
	return nil
}

func (m *ManagementClient) get(ctx context.Context, op, queue, path string) ([]byte, error) {
	return m.getURL(ctx, op, queue, m.cfg.BaseURL+path+"?api-version="+armAPIVersion)
}

// getURL performs one authorized GET through the breaker, retrying throttled
// and transient responses with exponential backoff.
func (m *ManagementClient) getURL(ctx context.Context, op, queue, rawURL string) ([]byte, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)

	var body []byte
	attempt := func() error {
		res, err := m.breaker.Execute(func() (any, error) {
			return m.getOnce(ctx, op, queue, rawURL)
		})
		if err != nil {
			var be *Error
			if errors.As(err, &be) && !be.Retryable() {
				return backoff.Permanent(err)
			}
			return err
		}
		body = res.([]byte)
		return nil
	}
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, err
	}
	return body, nil
}

func (m *ManagementClient) getOnce(ctx context.Context, op, queue, rawURL string) ([]byte, error) {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return nil, NewError(CodeUnauthorized, op, queue, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, NewError(CodeTransient, op, queue, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewError(CodeTimeout, op, queue, ctx.Err())
		}
		return nil, NewError(CodeTransient, op, queue, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, NewError(CodeTransient, op, queue, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, NewError(CodeNotFound, op, queue, httpStatusError(resp.StatusCode))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, NewError(CodeUnauthorized, op, queue, httpStatusError(resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, NewError(CodeThrottled, op, queue, httpStatusError(resp.StatusCode))
	default:
		return nil, NewError(CodeTransient, op, queue, httpStatusError(resp.StatusCode))
	}
}

func httpStatusError(code int) error {
	return fmt.Errorf("management endpoint returned status %d", code)
}
