// Package handler provides Telegram bot command handlers for operators.
package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"hosting-ledger/internal/model"
	"hosting-ledger/internal/pkg/apperr"
	"hosting-ledger/internal/service"
)

// AdminHandler handles the operator commands. Every command runs with admin
// rights; the bot's admin middleware decides who gets here.
type AdminHandler struct {
	ledger     *service.LedgerService
	reconciler *service.ReconcilerService
	capacity   *service.CapacityService
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(ledger *service.LedgerService, reconciler *service.ReconcilerService, capacity *service.CapacityService) *AdminHandler {
	return &AdminHandler{
		ledger:     ledger,
		reconciler: reconciler,
		capacity:   capacity,
	}
}

const helpText = "🛠 Ledger console\n\n" +
	"/balance <account> - show an account\n" +
	"/adjust <account> <coins> [ram] [cpu] [disk] [slots] - signed adjustment\n" +
	"/audit [account] - compare balances with transaction sums\n" +
	"/inconsistencies - open reconciliation problems\n" +
	"/resolve <id> - mark an inconsistency handled\n" +
	"/nodes - node capacity"

// HandleHelp handles /start and /help.
func (h *AdminHandler) HandleHelp(c tele.Context) error {
	return c.Reply(helpText)
}

// HandleBalance handles /balance <account>.
func (h *AdminHandler) HandleBalance(c tele.Context) error {
	args := c.Args()
	if len(args) < 1 {
		return c.Reply("❌ Usage: /balance <account>")
	}
	id, err := parseID(args[0])
	if err != nil {
		return c.Reply(err.Error())
	}
	acc, err := h.ledger.Balance(context.Background(), id)
	if err != nil {
		return c.Reply(errorReply(err))
	}
	return c.Reply(FormatAccount(acc))
}

// HandleAdjust handles /adjust. The Telegram message id keys the mutation,
// so a redelivered update is replayed instead of applied twice.
func (h *AdminHandler) HandleAdjust(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}
	id, delta, err := ParseAdjustArgs(c.Args())
	if err != nil {
		return c.Reply(err.Error())
	}

	var key string
	if msg := c.Message(); msg != nil && msg.Chat != nil {
		key = fmt.Sprintf("telegram:%d:%d", msg.Chat.ID, msg.ID)
	}
	desc := fmt.Sprintf("telegram admin %d", sender.ID)
	res, err := h.ledger.AdminAdjust(context.Background(), id, delta, desc, key)
	if err != nil {
		return c.Reply(errorReply(err))
	}

	log.Info().
		Int64("admin_id", sender.ID).
		Int64("account_id", id).
		Int64("coins", delta.Coins).
		Bool("replayed", res.Replayed).
		Str("operation", "adjust").
		Msg("Admin operation executed")

	return c.Reply("✅ Adjusted\n\n" + FormatAccount(&res.Account))
}

// HandleAudit handles /audit [account].
func (h *AdminHandler) HandleAudit(c tele.Context) error {
	ctx := context.Background()
	args := c.Args()
	if len(args) > 0 {
		id, err := parseID(args[0])
		if err != nil {
			return c.Reply(err.Error())
		}
		report, err := h.ledger.Audit(ctx, id)
		if err != nil {
			return c.Reply(errorReply(err))
		}
		return c.Reply(FormatMismatches([]*model.LedgerMismatch{report}))
	}

	mismatches, err := h.ledger.AuditAll(ctx)
	if err != nil {
		return c.Reply(errorReply(err))
	}
	return c.Reply(FormatMismatches(mismatches))
}

// HandleInconsistencies lists open inconsistencies with a resolve button each.
func (h *AdminHandler) HandleInconsistencies(c tele.Context) error {
	incs, err := h.reconciler.Inconsistencies(context.Background(), actorFor(c), true, 10)
	if err != nil {
		return c.Reply(errorReply(err))
	}
	if len(incs) == 0 {
		return c.Reply("✅ No open inconsistencies")
	}
	return c.Reply(FormatInconsistencies(incs), BuildResolvePanel(incs))
}

// HandleResolve handles /resolve <id>.
func (h *AdminHandler) HandleResolve(c tele.Context) error {
	args := c.Args()
	if len(args) < 1 {
		return c.Reply("❌ Usage: /resolve <id>")
	}
	id, err := parseID(args[0])
	if err != nil {
		return c.Reply(err.Error())
	}
	inc, err := h.reconciler.ResolveInconsistency(context.Background(), actorFor(c), id)
	if err != nil {
		return c.Reply(errorReply(err))
	}
	return c.Reply(fmt.Sprintf("✅ Inconsistency #%d resolved", inc.ID))
}

// HandleResolveCallback handles a resolve button press.
func (h *AdminHandler) HandleResolveCallback(c tele.Context) error {
	cb := c.Callback()
	if cb == nil {
		return nil
	}
	data := strings.TrimPrefix(strings.TrimPrefix(cb.Data, "\f"), CallbackResolve)
	id, err := parseID(data)
	if err != nil {
		return c.Respond(&tele.CallbackResponse{Text: "invalid button"})
	}
	if _, err := h.reconciler.ResolveInconsistency(context.Background(), actorFor(c), id); err != nil {
		return c.Respond(&tele.CallbackResponse{Text: errorReply(err), ShowAlert: true})
	}
	if err := c.Respond(&tele.CallbackResponse{Text: fmt.Sprintf("#%d resolved", id)}); err != nil {
		return err
	}

	// Refresh the list in place.
	incs, err := h.reconciler.Inconsistencies(context.Background(), actorFor(c), true, 10)
	if err != nil {
		return err
	}
	if len(incs) == 0 {
		return c.Edit("✅ No open inconsistencies")
	}
	return c.Edit(FormatInconsistencies(incs), BuildResolvePanel(incs))
}

// HandleNodes handles /nodes.
func (h *AdminHandler) HandleNodes(c tele.Context) error {
	nodes, err := h.capacity.List(context.Background())
	if err != nil {
		return c.Reply(errorReply(err))
	}
	return c.Reply(FormatNodes(nodes))
}

// actorFor maps the Telegram sender to an admin actor. The id is only used
// for attribution in logs.
func actorFor(c tele.Context) model.Actor {
	var id int64
	if sender := c.Sender(); sender != nil {
		id = sender.ID
	}
	return model.Actor{AccountID: id, IsAdmin: true}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("❌ %q is not a valid id", s)
	}
	return id, nil
}

// ParseAdjustArgs parses <account> <coins> [ram] [cpu] [disk] [slots].
func ParseAdjustArgs(args []string) (int64, model.Delta, error) {
	if len(args) < 2 || len(args) > 6 {
		return 0, model.Delta{}, errors.New("❌ Usage: /adjust <account> <coins> [ram] [cpu] [disk] [slots]\nExample: /adjust 42 -100 0 0 10")
	}
	id, err := parseID(args[0])
	if err != nil {
		return 0, model.Delta{}, err
	}

	fields := make([]int64, 5)
	for i, raw := range args[1:] {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, model.Delta{}, fmt.Errorf("❌ %q is not an integer", raw)
		}
		fields[i] = n
	}
	delta := model.Delta{
		Coins:       fields[0],
		RAM:         fields[1],
		CPU:         fields[2],
		Disk:        fields[3],
		ServerSlots: fields[4],
	}
	if delta.IsZero() {
		return 0, model.Delta{}, errors.New("❌ Adjustment changes nothing")
	}
	return id, delta, nil
}

// errorReply shows the full error; operators are admins.
func errorReply(err error) string {
	if apperr.KindOf(err) == apperr.KindInternal {
		log.Error().Err(err).Msg("Admin command failed")
	}
	return fmt.Sprintf("❌ %s: %v", apperr.KindOf(err), err)
}
