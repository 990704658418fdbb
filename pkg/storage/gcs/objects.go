package gcs

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const storageHost = "https://storage.googleapis.com"

// ObjectStore is the object surface the migration and cleanup paths
// depend on.
type ObjectStore interface {
	Exists(ctx context.Context, bucket, key string) (bool, error)
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
	Delete(ctx context.Context, bucket, key string) error
}

// URLSigner produces signed GET URLs for stored objects.
type URLSigner interface {
	SignedURL(bucket, key string, expires time.Time, query url.Values) (string, error)
}

// Exists reports whether the object is present in the bucket.
func (c *Client) Exists(ctx context.Context, bucket, key string) (bool, error) {
	if bucket == "" {
		bucket = c.defaultBucket
	}
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	u := fmt.Sprintf("%s/storage/v1/b/%s/o/%s",
		storageHost, url.PathEscape(bucket), url.PathEscape(key))
	resp, err := c.authorizedRequest(ctx, http.MethodGet, u)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, statusError("gcs object stat", resp)
	}
}

// Copy performs a server-side copy between buckets. The destination is
// overwritten when it already exists, which keeps retries convergent.
func (c *Client) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	if srcBucket == "" {
		srcBucket = c.defaultBucket
	}
	if dstBucket == "" {
		dstBucket = c.defaultBucket
	}
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	u := fmt.Sprintf("%s/storage/v1/b/%s/o/%s/copyTo/b/%s/o/%s",
		storageHost,
		url.PathEscape(srcBucket), url.PathEscape(srcKey),
		url.PathEscape(dstBucket), url.PathEscape(dstKey))
	resp, err := c.authorizedRequest(ctx, http.MethodPost, u)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return statusError("gcs object copy", resp)
	}
	return nil
}

// Delete removes the object. A missing object is not an error.
func (c *Client) Delete(ctx context.Context, bucket, key string) error {
	if bucket == "" {
		bucket = c.defaultBucket
	}
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	u := fmt.Sprintf("%s/storage/v1/b/%s/o/%s",
		storageHost, url.PathEscape(bucket), url.PathEscape(key))
	resp, err := c.authorizedRequest(ctx, http.MethodDelete, u)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return statusError("gcs object delete", resp)
	}
}

// SignedURL returns a signed GET URL for the object. RSA PKCS1v15 over a
// fixed string-to-sign means the same inputs always yield the same URL,
// so callers can re-issue a URL without persisting it.
func (c *Client) SignedURL(bucket, key string, expires time.Time, query url.Values) (string, error) {
	if !c.CanSign() {
		return "", errors.New("gcs signing requires service account credentials")
	}
	if bucket == "" {
		bucket = c.defaultBucket
	}

	resource := "/" + bucket + "/" + escapeObjectPath(key)
	expiresUnix := expires.Unix()
	toSign := strings.Join([]string{
		http.MethodGet,
		"", // Content-MD5
		"", // Content-Type
		fmt.Sprintf("%d", expiresUnix),
		resource,
	}, "\n")

	hash := sha256.Sum256([]byte(toSign))
	sig, err := rsa.SignPKCS1v15(rand.Reader, c.signerKey, crypto.SHA256, hash[:])
	if err != nil {
		return "", fmt.Errorf("signing url: %w", err)
	}

	values := url.Values{}
	for k, vs := range query {
		for _, v := range vs {
			values.Add(k, v)
		}
	}
	values.Set("GoogleAccessId", c.signerEmail)
	values.Set("Expires", fmt.Sprintf("%d", expiresUnix))
	values.Set("Signature", base64.StdEncoding.EncodeToString(sig))

	return storageHost + resource + "?" + values.Encode(), nil
}

func (c *Client) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.opTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (c *Client) authorizedRequest(ctx context.Context, method, u string) (*http.Response, error) {
	if c == nil || c.tokenSource == nil {
		return nil, errors.New("gcs client not initialized")
	}
	token, err := c.tokenSource.Token(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	return c.httpClient.Do(req)
}

func statusError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if len(b) > 0 {
		return fmt.Errorf("%s failed: %s: %s", op, resp.Status, strings.TrimSpace(string(b)))
	}
	return fmt.Errorf("%s failed: %s", op, resp.Status)
}

// escapeObjectPath escapes each path segment while keeping the slashes
// that separate them, matching how signed URL resources are canonicalized.
func escapeObjectPath(key string) string {
	parts := strings.Split(key, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
