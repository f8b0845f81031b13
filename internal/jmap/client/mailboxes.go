package client

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"jmapmail/internal/common/logger"
	"jmapmail/internal/jmap/protocol"
)

// maxAccountFetches bounds concurrent per-account Mailbox/get calls.
const maxAccountFetches = 4

// NamespacedId prefixes id with the owning account: "{accountId}:{id}".
func NamespacedId(accountId, id protocol.Id) protocol.Id {
	return protocol.Id(string(accountId) + ":" + string(id))
}

// stripNamespace undoes NamespacedId for ids of accountId.
func stripNamespace(accountId, id protocol.Id) protocol.Id {
	return protocol.Id(strings.TrimPrefix(string(id), string(accountId)+":"))
}

// ListMailboxes fetches every mailbox of one account ("" for the primary).
// Mailboxes of a shared account come back namespaced.
func (c *Client) ListMailboxes(ctx context.Context, accountId protocol.Id) ([]protocol.Mailbox, error) {
	acct, err := c.account(accountId)
	if err != nil {
		return nil, err
	}

	resp, err := c.Request(ctx, protocol.MethodCall{
		Name:      protocol.MethodMailboxGet,
		Arguments: protocol.GetRequest{AccountId: acct},
		CallId:    "0",
	})
	if err != nil {
		return nil, err
	}
	var result protocol.GetMailboxesResponse
	if err := resp.Decode("0", protocol.MethodMailboxGet, &result); err != nil {
		return nil, err
	}

	shared := c.IsShared(acct)
	name := c.accountName(acct)
	for i := range result.List {
		mb := &result.List[i]
		mb.OriginalId = mb.Id
		mb.AccountId = acct
		mb.AccountName = name
		if !shared {
			continue
		}
		mb.IsShared = true
		mb.Id = NamespacedId(acct, mb.Id)
		if mb.ParentId != nil {
			parent := NamespacedId(acct, *mb.ParentId)
			mb.ParentId = &parent
		}
	}
	return result.List, nil
}

func (c *Client) accountName(accountId protocol.Id) string {
	if s := c.Session(); s != nil {
		return s.Accounts[accountId].Name
	}
	return ""
}

// GetMailboxes returns the primary account's mailboxes. When the fetch fails
// a single Inbox with full rights is returned instead.
func (c *Client) GetMailboxes(ctx context.Context) []protocol.Mailbox {
	mailboxes, err := c.ListMailboxes(ctx, "")
	if err != nil {
		logger.LogError(c.log, "Failed to get mailboxes, using fallback inbox", "error", err)
		return []protocol.Mailbox{fallbackInbox(c.AccountId())}
	}
	return mailboxes
}

func fallbackInbox(accountId protocol.Id) protocol.Mailbox {
	role := protocol.RoleInbox
	return protocol.Mailbox{
		Id:           "inbox",
		Name:         "Inbox",
		Role:         &role,
		MyRights:     protocol.FullRights(),
		IsSubscribed: true,
		OriginalId:   "inbox",
		AccountId:    accountId,
	}
}

// GetAllMailboxes fetches mailboxes of every visible account concurrently.
// A failing account is logged and skipped. Results keep account order:
// primary first, then shared accounts by id.
func (c *Client) GetAllMailboxes(ctx context.Context) []protocol.Mailbox {
	session := c.Session()
	if session == nil {
		logger.LogError(c.log, "Failed to get mailboxes", "error", ErrNotConnected)
		return nil
	}

	accounts := session.AccountIds()
	results := make([][]protocol.Mailbox, len(accounts))

	var g errgroup.Group
	g.SetLimit(maxAccountFetches)
	for i, acct := range accounts {
		g.Go(func() error {
			mailboxes, err := c.ListMailboxes(ctx, acct)
			if err != nil {
				logger.LogError(c.log, "Failed to get mailboxes for account",
					"account_id", acct, "error", err)
				return nil
			}
			results[i] = mailboxes
			return nil
		})
	}
	_ = g.Wait()

	var all []protocol.Mailbox
	for _, r := range results {
		all = append(all, r...)
	}
	return all
}

// FindRoleMailbox returns the server id of the first mailbox with role in
// the account, lowest sortOrder first.
func (c *Client) FindRoleMailbox(ctx context.Context, role string, accountId protocol.Id) (protocol.Id, error) {
	acct, err := c.account(accountId)
	if err != nil {
		return "", err
	}
	resp, err := c.Request(ctx, protocol.MethodCall{
		Name: protocol.MethodMailboxQuery,
		Arguments: protocol.QueryRequest{
			AccountId: acct,
			Filter:    map[string]any{"role": role},
			Sort:      []protocol.SortOrder{{Property: "sortOrder", IsAscending: true}},
		},
		CallId: "0",
	})
	if err != nil {
		return "", err
	}
	var result protocol.QueryEmailsResponse
	if err := resp.Decode("0", protocol.MethodMailboxQuery, &result); err != nil {
		return "", err
	}
	if len(result.Ids) == 0 {
		return "", fmt.Errorf("no %s mailbox in account %s", role, acct)
	}
	return result.Ids[0], nil
}

// CreateMailbox creates a mailbox and returns its server id.
func (c *Client) CreateMailbox(ctx context.Context, name string, parentId *protocol.Id, accountId protocol.Id) (protocol.Id, error) {
	acct, err := c.account(accountId)
	if err != nil {
		return "", err
	}
	create := map[string]any{"name": name, "isSubscribed": true}
	if parentId != nil {
		create["parentId"] = stripNamespace(acct, *parentId)
	}
	key := newCreationId()
	result, err := c.set(ctx, protocol.MethodMailboxSet, protocol.SetRequest{
		AccountId: acct,
		Create:    map[string]any{key: create},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create mailbox %q: %w", name, err)
	}
	created, ok := result.Created[key]
	if !ok {
		return "", protocol.NewMalformedResponseError(fmt.Errorf("mailbox %q missing from created", name), nil)
	}
	return created.Id, nil
}

// RenameMailbox sets a new name.
func (c *Client) RenameMailbox(ctx context.Context, id protocol.Id, name string, accountId protocol.Id) error {
	acct, err := c.account(accountId)
	if err != nil {
		return err
	}
	_, err = c.set(ctx, protocol.MethodMailboxSet, protocol.SetRequest{
		AccountId: acct,
		Update:    map[protocol.Id]protocol.PatchObject{stripNamespace(acct, id): {"name": name}},
	})
	if err != nil {
		return fmt.Errorf("failed to rename mailbox: %w", err)
	}
	return nil
}

// DestroyMailbox deletes a mailbox. With removeEmails unset the server
// refuses to destroy a non-empty mailbox.
func (c *Client) DestroyMailbox(ctx context.Context, id protocol.Id, removeEmails bool, accountId protocol.Id) error {
	acct, err := c.account(accountId)
	if err != nil {
		return err
	}
	_, err = c.set(ctx, protocol.MethodMailboxSet, protocol.SetRequest{
		AccountId:             acct,
		Destroy:               []protocol.Id{stripNamespace(acct, id)},
		OnDestroyRemoveEmails: removeEmails,
	})
	if err != nil {
		return fmt.Errorf("failed to destroy mailbox: %w", err)
	}
	return nil
}

func newCreationId() string {
	return uuid.NewString()
}

// set issues one /set call and converts per-object failures into a
// *protocol.MutationError or *protocol.PartialSetError.
func (c *Client) set(ctx context.Context, method string, args any) (*protocol.SetResponse, error) {
	resp, err := c.Request(ctx, protocol.MethodCall{Name: method, Arguments: args, CallId: "0"})
	if err != nil {
		return nil, err
	}
	var result protocol.SetResponse
	if err := decodeSet(resp, "0", method, &result); err != nil {
		return &result, err
	}
	return &result, nil
}

// SortMailboxes orders mailboxes by role (inbox first), then sortOrder, then name.
func SortMailboxes(mailboxes []protocol.Mailbox) {
	sort.SliceStable(mailboxes, func(i, j int) bool {
		a, b := &mailboxes[i], &mailboxes[j]
		if a.AccountId != b.AccountId {
			return !a.IsShared && b.IsShared
		}
		ra, rb := roleRank(a.RoleName()), roleRank(b.RoleName())
		if ra != rb {
			return ra < rb
		}
		if a.SortOrder != b.SortOrder {
			return a.SortOrder < b.SortOrder
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
}

var roleOrder = map[string]int{
	protocol.RoleInbox:   0,
	protocol.RoleDrafts:  1,
	protocol.RoleSent:    2,
	protocol.RoleArchive: 3,
	protocol.RoleJunk:    4,
	protocol.RoleTrash:   5,
}

func roleRank(role string) int {
	if r, ok := roleOrder[strings.ToLower(role)]; ok {
		return r
	}
	return len(roleOrder)
}
