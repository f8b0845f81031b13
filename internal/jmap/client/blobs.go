package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"jmapmail/internal/jmap/protocol"
)

// UploadBlob posts r to the account's upload URL with contentType. The
// response may be a flat blob object or one nested under the account id.
func (c *Client) UploadBlob(ctx context.Context, r io.Reader, contentType string, accountId protocol.Id) (*protocol.BlobInfo, error) {
	acct, err := c.account(accountId)
	if err != nil {
		return nil, err
	}
	uploadURL, err := c.Session().UploadURLFor(acct)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return nil, &protocol.ConnectionError{Op: "blob upload", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &protocol.ConnectionError{Op: "blob upload", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, protocol.NewProtocolError(resp.StatusCode, body)
	}

	if info := parseUploadResponse(body, acct); info != nil {
		return info, nil
	}
	return nil, protocol.NewUploadError(resp.StatusCode, body)
}

func parseUploadResponse(body []byte, accountId protocol.Id) *protocol.BlobInfo {
	var flat protocol.BlobInfo
	if err := json.Unmarshal(body, &flat); err == nil && flat.BlobId != "" {
		return &flat
	}
	var nested map[protocol.Id]protocol.BlobInfo
	if err := json.Unmarshal(body, &nested); err == nil {
		if info, ok := nested[accountId]; ok && info.BlobId != "" {
			if info.AccountId == "" {
				info.AccountId = accountId
			}
			return &info
		}
	}
	return nil
}

// DownloadBlob streams a blob into w and returns the number of bytes written.
func (c *Client) DownloadBlob(ctx context.Context, w io.Writer, blobId protocol.Id, name, mimeType string, accountId protocol.Id) (int64, error) {
	body, err := c.openBlob(ctx, blobId, name, mimeType, accountId)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	n, err := io.Copy(w, body)
	if err != nil {
		return n, fmt.Errorf("failed to download blob %s: %w", blobId, err)
	}
	return n, nil
}

// maxHeaderBlockBytes caps how much of a message blob HeaderBlock reads.
const maxHeaderBlockBytes = 256 << 10

// HeaderBlock reads the header section of a message blob, up to and
// including the blank line that ends it. The body is never downloaded past
// the first read buffer.
func (c *Client) HeaderBlock(ctx context.Context, blobId, accountId protocol.Id) (string, error) {
	body, err := c.openBlob(ctx, blobId, "message.eml", "message/rfc822", accountId)
	if err != nil {
		return "", err
	}
	defer body.Close()

	var sb strings.Builder
	r := bufio.NewReader(io.LimitReader(body, maxHeaderBlockBytes))
	for {
		line, err := r.ReadString('\n')
		sb.WriteString(line)
		if line == "\r\n" || line == "\n" {
			return sb.String(), nil
		}
		if err == io.EOF {
			return sb.String(), nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to read headers of blob %s: %w", blobId, err)
		}
	}
}

func (c *Client) openBlob(ctx context.Context, blobId protocol.Id, name, mimeType string, accountId protocol.Id) (io.ReadCloser, error) {
	acct, err := c.account(accountId)
	if err != nil {
		return nil, err
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	downloadURL, err := c.Session().DownloadURLFor(acct, blobId, name, mimeType)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, &protocol.ConnectionError{Op: "blob download", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, protocol.NewProtocolError(resp.StatusCode, body)
	}
	return resp.Body, nil
}

// GetQuota returns used/total mail storage for the primary account. It
// returns nil, nil when the server has no quota capability or no octets quota.
func (c *Client) GetQuota(ctx context.Context) (*protocol.QuotaUsage, error) {
	if !c.HasQuota() {
		return nil, nil
	}
	acct, err := c.account("")
	if err != nil {
		return nil, err
	}
	resp, err := c.Request(ctx, protocol.MethodCall{
		Name:      protocol.MethodQuotaGet,
		Arguments: protocol.GetRequest{AccountId: acct},
		CallId:    "0",
	})
	if err != nil {
		return nil, err
	}
	var result protocol.GetQuotasResponse
	if err := resp.Decode("0", protocol.MethodQuotaGet, &result); err != nil {
		return nil, err
	}
	for _, q := range result.List {
		if q.ResourceType == "octets" {
			return &protocol.QuotaUsage{Used: q.Used, Total: q.HardLimit}, nil
		}
	}
	return nil, nil
}
