// ABOUTME: Builds the linear provider message chain from OpenAI-style history.
// ABOUTME: Handles multimodal flattening, attachments, tavern and bypass shaping, and positions.

package broker

import (
	"context"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/arena-bridge/internal/mapper"
	"github.com/2389/arena-bridge/internal/tunnel"
)

// bypassMarker on the last user message relocates its images onto an
// injected assistant turn.
const bypassMarker = "--bypass"

// chainDraft is one message being shaped before identifiers and positions
// are assigned.
type chainDraft struct {
	role        string
	content     string
	attachments []tunnel.Attachment
}

// buildChain converts the caller's history into the ordered provider
// chain: fresh identifiers, parent links, participant positions, and
// completion status. Image requests mark every entry complete; text
// requests leave the final entry awaiting the provider's reply.
func (b *Broker) buildChain(ctx context.Context, msgs []Message, res mapper.Resolution, imageRequest bool) ([]tunnel.ChainMessage, error) {
	if len(msgs) == 0 {
		return nil, ErrEmptyMessageChain
	}

	drafts := make([]chainDraft, 0, len(msgs))
	for _, msg := range msgs {
		draft, err := b.draftMessage(ctx, msg)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, draft)
	}

	if b.tavernMode {
		drafts = mergeSystemPrompts(drafts)
	}
	drafts = relocateBypassImages(drafts)
	if b.bypassMode && !imageRequest {
		drafts = append(drafts, chainDraft{role: "user", content: " "})
	}

	if len(drafts) == 0 {
		return nil, ErrEmptyMessageChain
	}

	chain := make([]tunnel.ChainMessage, 0, len(drafts))
	parent := ""
	for i, d := range drafts {
		status := tunnel.StatusSuccess
		if !imageRequest && i == len(drafts)-1 {
			status = tunnel.StatusPending
		}

		id := uuid.NewString()
		chain = append(chain, tunnel.ChainMessage{
			ID:          id,
			ParentID:    parent,
			Role:        d.role,
			Content:     d.content,
			Position:    participantPosition(d.role, res.Session),
			Status:      status,
			Attachments: d.attachments,
		})
		parent = id
	}
	return chain, nil
}

// draftMessage normalizes one caller message: the developer role becomes
// system, multimodal parts are flattened to joined text plus attachments,
// and an empty user message becomes a single space so the provider does
// not reject the turn.
func (b *Broker) draftMessage(ctx context.Context, msg Message) (chainDraft, error) {
	role := msg.Role
	if role == "developer" {
		role = "system"
	}

	text := msg.Content.Text
	var attachments []tunnel.Attachment
	if msg.Content.Parts != nil {
		var textParts []string
		for _, part := range msg.Content.Parts {
			switch part.Type {
			case "text":
				textParts = append(textParts, part.Text)
			case "image_url":
				att, ok, err := b.buildAttachment(ctx, part.ImageURL)
				if err != nil {
					return chainDraft{}, err
				}
				if ok {
					attachments = append(attachments, att)
				}
			}
		}
		text = strings.Join(textParts, "\n\n")
	}

	if role == "user" && strings.TrimSpace(text) == "" {
		text = " "
	}

	return chainDraft{role: role, content: text, attachments: attachments}, nil
}

// buildAttachment converts one image part into a provider attachment.
// Data URIs are externalized through the uploader when one is configured;
// upload failure fails the whole request before any tunnel interaction.
func (b *Broker) buildAttachment(ctx context.Context, img *ContentImage) (tunnel.Attachment, bool, error) {
	if img == nil || img.URL == "" {
		return tunnel.Attachment{}, false, nil
	}

	url := img.URL
	contentType := attachmentContentType(url)
	name := img.Detail
	if name == "" {
		name = attachmentName(contentType)
	}

	if b.uploader != nil && strings.HasPrefix(url, "data:") {
		uploaded, err := b.uploader.Upload(ctx, name, url)
		if err != nil {
			return tunnel.Attachment{}, false, fmt.Errorf("uploading attachment %s: %w", name, err)
		}
		url = uploaded
	}

	return tunnel.Attachment{Name: name, ContentType: contentType, URL: url}, true, nil
}

// attachmentContentType derives a MIME type from a data URI prefix or,
// for plain URLs, from the path extension.
func attachmentContentType(url string) string {
	if strings.HasPrefix(url, "data:") {
		meta, _, found := strings.Cut(strings.TrimPrefix(url, "data:"), ",")
		if found {
			if media, _, _ := strings.Cut(meta, ";"); media != "" {
				return media
			}
		}
		return "application/octet-stream"
	}

	if t := mime.TypeByExtension(path.Ext(url)); t != "" {
		if media, _, _ := strings.Cut(t, ";"); media != "" {
			return media
		}
	}
	return "application/octet-stream"
}

// attachmentName generates a stable-format filename for an attachment
// that arrived without one.
func attachmentName(contentType string) string {
	main, _, _ := strings.Cut(contentType, "/")
	switch main {
	case "image", "audio", "video", "application", "text":
	default:
		main = "file"
	}
	return fmt.Sprintf("%s_%s.%s", main, uuid.NewString(), extensionFor(contentType))
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	return "bin"
}

// mergeSystemPrompts folds every system message into a single leading one.
// System messages carry no attachments; an all-empty merge drops the
// system turn entirely.
func mergeSystemPrompts(drafts []chainDraft) []chainDraft {
	var prompts []string
	rest := make([]chainDraft, 0, len(drafts))
	for _, d := range drafts {
		if d.role == "system" {
			if d.content != "" {
				prompts = append(prompts, d.content)
			}
			continue
		}
		rest = append(rest, d)
	}

	if len(prompts) == 0 {
		return rest
	}
	merged := chainDraft{role: "system", content: strings.Join(prompts, "\n\n")}
	return append([]chainDraft{merged}, rest...)
}

// relocateBypassImages handles a trailing bypass marker on the last user
// message: the marker is stripped and the message's images move onto an
// injected empty assistant turn placed just before it. A chain that would
// then open with an assistant turn gets a greeting user turn prepended.
func relocateBypassImages(drafts []chainDraft) []chainDraft {
	n := len(drafts)
	if n == 0 || drafts[n-1].role != "user" {
		return drafts
	}

	last := drafts[n-1]
	trimmed := strings.TrimSpace(last.content)
	if !strings.HasSuffix(trimmed, bypassMarker) || !hasImageAttachment(last.attachments) {
		return drafts
	}

	last.content = strings.TrimSpace(strings.TrimSuffix(trimmed, bypassMarker))
	injected := chainDraft{role: "assistant", attachments: last.attachments}
	last.attachments = nil

	drafts = append(drafts[:n-1], injected, last)
	if drafts[0].role == "assistant" {
		drafts = append([]chainDraft{{role: "user", content: "Hi"}}, drafts...)
	}
	return drafts
}

func hasImageAttachment(atts []tunnel.Attachment) bool {
	for _, a := range atts {
		if strings.HasPrefix(a.ContentType, "image/") {
			return true
		}
	}
	return false
}

// participantPosition stamps a message's slot. Battle mode puts every
// message on the session's target side; direct chat keeps system prompts
// on side b and the conversation on side a.
func participantPosition(role string, session mapper.PoolEntry) string {
	if session.Mode == mapper.ModeBattle {
		return session.BattleTarget
	}
	if role == "system" {
		return "b"
	}
	return "a"
}
