package handler

import (
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v3"

	"hosting-ledger/internal/model"
)

// CallbackResolve prefixes resolve button data, e.g. inc_resolve:17.
const CallbackResolve = "inc_resolve:"

// BuildResolvePanel creates one resolve button per inconsistency, two per row.
func BuildResolvePanel(incs []*model.Inconsistency) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}

	var rows []tele.Row
	var currentRow []tele.Btn
	for i, inc := range incs {
		btn := markup.Data(
			fmt.Sprintf("✅ #%d", inc.ID),
			CallbackResolve+strconv.FormatInt(inc.ID, 10),
		)
		currentRow = append(currentRow, btn)

		if len(currentRow) == 2 || i == len(incs)-1 {
			rows = append(rows, markup.Row(currentRow...))
			currentRow = nil
		}
	}

	markup.Inline(rows...)
	return markup
}

// FormatAccount renders an account's balances.
func FormatAccount(acc *model.Account) string {
	var b strings.Builder
	fmt.Fprintf(&b, "👤 Account %d", acc.ID)
	if acc.Email != "" {
		fmt.Fprintf(&b, " (%s)", acc.Email)
	}
	b.WriteString("\n━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(&b, "💰 Coins: %d\n", acc.Coins)
	fmt.Fprintf(&b, "🧠 RAM: %d GB\n", acc.RAM)
	fmt.Fprintf(&b, "⚙️ CPU: %d%%\n", acc.CPU)
	fmt.Fprintf(&b, "💾 Disk: %d GB\n", acc.Disk)
	fmt.Fprintf(&b, "🖥 Server slots: %d", acc.ServerSlots)
	return b.String()
}

// FormatMismatches renders audit results. Balanced reports are skipped.
func FormatMismatches(reports []*model.LedgerMismatch) string {
	var b strings.Builder
	for _, m := range reports {
		if m.Balanced() {
			continue
		}
		if b.Len() == 0 {
			b.WriteString("⚠️ Ledger mismatches\n━━━━━━━━━━━━━━━\n")
		}
		fmt.Fprintf(&b, "Account %d: coins %d, transactions sum %d\n", m.AccountID, m.Coins, m.Sum)
	}
	if b.Len() == 0 {
		return "✅ Ledger balanced"
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// FormatInconsistencies renders open inconsistencies.
func FormatInconsistencies(incs []*model.Inconsistency) string {
	var b strings.Builder
	b.WriteString("🚧 Open inconsistencies\n━━━━━━━━━━━━━━━")
	for _, inc := range incs {
		fmt.Fprintf(&b, "\n#%d %s %s\n   server %s (account %d)", inc.ID, inc.Action, inc.Outcome, inc.ServerID, inc.AccountID)
		if inc.RemoteID != nil {
			fmt.Fprintf(&b, " remote %s", *inc.RemoteID)
		}
		if inc.Detail != "" {
			fmt.Fprintf(&b, "\n   %s", inc.Detail)
		}
	}
	return b.String()
}

// FormatNodes renders node usage.
func FormatNodes(nodes []*model.NodeCapacity) string {
	if len(nodes) == 0 {
		return "No nodes registered"
	}
	var b strings.Builder
	b.WriteString("🗄 Nodes\n━━━━━━━━━━━━━━━")
	for _, n := range nodes {
		fmt.Fprintf(&b, "\n%d %s: RAM %d/%d, CPU %d/%d, Disk %d/%d",
			n.NodeID, n.Name, n.RAMUsed, n.RAMTotal, n.CPUUsed, n.CPUTotal, n.DiskUsed, n.DiskTotal)
	}
	return b.String()
}
