package tools

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/alexma233/Memoh/pkg/conversation"
)

type Contact struct {
	ID          string            `json:"id"`
	BotID       string            `json:"bot_id"`
	DisplayName string            `json:"display_name"`
	Alias       string            `json:"alias,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Bindings    map[string]string `json:"bindings,omitempty"`
}

type ContactPatch struct {
	DisplayName *string
	Alias       *string
	Tags        []string
}

// ContactBook is the per-bot contacts service.
type ContactBook interface {
	Search(ctx context.Context, botID, query string) ([]Contact, error)
	Create(ctx context.Context, botID string, c Contact) (Contact, error)
	Update(ctx context.Context, botID, contactID string, patch ContactPatch) (Contact, error)
	Bind(ctx context.Context, botID, contactID, platform, externalID, bindToken string) (Contact, error)
}

type ContactSearchInput struct {
	Query string `json:"query,omitempty" jsonschema:"description=The query to search for contacts"`
}

type ContactCreateInput struct {
	Name  string   `json:"name" jsonschema:"description=The display name of the contact,minLength=1"`
	Alias string   `json:"alias,omitempty" jsonschema:"description=The alias of the contact"`
	Tags  []string `json:"tags,omitempty" jsonschema:"description=The tags of the contact"`
}

type ContactUpdateInput struct {
	ContactID string   `json:"contact_id" jsonschema:"description=The ID of the contact to update,minLength=1"`
	Name      string   `json:"name,omitempty" jsonschema:"description=The display name of the contact"`
	Alias     string   `json:"alias,omitempty" jsonschema:"description=The alias of the contact"`
	Tags      []string `json:"tags,omitempty" jsonschema:"description=The tags of the contact"`
}

type ContactBindInput struct {
	ContactID  string `json:"contact_id" jsonschema:"description=The ID of the contact to bind,minLength=1"`
	Platform   string `json:"platform" jsonschema:"description=The platform to bind the contact to,minLength=1"`
	ExternalID string `json:"external_id" jsonschema:"description=The external ID of the contact,minLength=1"`
	BindToken  string `json:"bind_token,omitempty" jsonschema:"description=The bind token to use"`
}

type ContactList struct {
	Items []Contact `json:"items"`
}

func requireBot(identity conversation.Identity) (string, error) {
	botID := strings.TrimSpace(identity.BotID)
	if botID == "" {
		return "", errors.New("bot_id is required")
	}
	return botID, nil
}

// NewContactTools returns contact_search, contact_create, contact_update and
// contact_bind backed by book.
func NewContactTools(book ContactBook) ([]Tool, error) {
	if book == nil {
		return nil, errors.New("contact tools: contact book is nil")
	}
	search, err := NewTool(ContactSearch, "Search contacts by name or alias",
		func(ctx context.Context, identity conversation.Identity, in ContactSearchInput) (ContactList, error) {
			botID, err := requireBot(identity)
			if err != nil {
				return ContactList{}, err
			}
			items, err := book.Search(ctx, botID, strings.TrimSpace(in.Query))
			if err != nil {
				return ContactList{}, err
			}
			if items == nil {
				items = []Contact{}
			}
			return ContactList{Items: items}, nil
		})
	if err != nil {
		return nil, err
	}
	create, err := NewTool(ContactCreate, "Create a contact",
		func(ctx context.Context, identity conversation.Identity, in ContactCreateInput) (Contact, error) {
			botID, err := requireBot(identity)
			if err != nil {
				return Contact{}, err
			}
			return book.Create(ctx, botID, Contact{
				DisplayName: strings.TrimSpace(in.Name),
				Alias:       strings.TrimSpace(in.Alias),
				Tags:        in.Tags,
			})
		})
	if err != nil {
		return nil, err
	}
	update, err := NewTool(ContactUpdate, "Update a contact",
		func(ctx context.Context, identity conversation.Identity, in ContactUpdateInput) (Contact, error) {
			botID, err := requireBot(identity)
			if err != nil {
				return Contact{}, err
			}
			patch := ContactPatch{Tags: in.Tags}
			if s := strings.TrimSpace(in.Name); s != "" {
				patch.DisplayName = &s
			}
			if s := strings.TrimSpace(in.Alias); s != "" {
				patch.Alias = &s
			}
			return book.Update(ctx, botID, in.ContactID, patch)
		})
	if err != nil {
		return nil, err
	}
	bind, err := NewTool(ContactBind, "Bind a contact to a platform identity",
		func(ctx context.Context, identity conversation.Identity, in ContactBindInput) (Contact, error) {
			botID, err := requireBot(identity)
			if err != nil {
				return Contact{}, err
			}
			return book.Bind(ctx, botID, in.ContactID, strings.TrimSpace(in.Platform), strings.TrimSpace(in.ExternalID), in.BindToken)
		})
	if err != nil {
		return nil, err
	}
	return []Tool{search, create, update, bind}, nil
}
