package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"basis-vault/internal/alerts"

	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

// startOperator polls the bot chat for control commands. Only messages
// from the configured chat, and optionally an allow-list of user ids,
// are honored.
func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil {
		return
	}
	if !a.cfg.Telegram.Enabled || !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.log.Warn("telegram operator poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	if upd.Message == nil || upd.Message.Chat == nil || upd.Message.From == nil {
		return
	}
	msg := upd.Message
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	reply, err := a.handleOperatorCommand(ctx, cmd)
	if err != nil {
		reply = fmt.Sprintf("%s failed: %v", cmd, err)
	}
	a.log.Info("operator command",
		zap.String("command", cmd),
		zap.Int64("user_id", msg.From.ID),
		zap.String("username", msg.From.Username))
	if reply == "" {
		return
	}
	if err := a.alerts.Send(ctx, reply); err != nil {
		a.log.Warn("operator reply failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", false
	}
	cmd := strings.Fields(trimmed)[0]
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd), true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string) (string, error) {
	switch cmd {
	case "/status":
		return a.operatorStatus(), nil
	case "/pause":
		if err := a.vault.Pause(ctx, false); err != nil {
			return "", err
		}
		a.strategy.Pause()
		return "paused", nil
	case "/resume":
		a.vault.Unpause()
		a.strategy.Resume()
		return "resumed", nil
	case "/stop":
		if err := a.vault.Pause(ctx, true); err != nil {
			return "", err
		}
		return "paused, position unwinding", nil
	case "/help":
		return operatorHelpText(), nil
	default:
		return "", nil
	}
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	offset, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return offset
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if err := a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10)); err != nil {
		a.log.Warn("operator offset persist failed", zap.Error(err))
	}
}

func operatorHelpText() string {
	return strings.Join([]string{
		"/status - ledger and position summary",
		"/pause - pause deposits, withdrawals, and utilization",
		"/resume - lift a pause",
		"/stop - pause and unwind the position",
		"/help - this message",
	}, "\n")
}

func (a *App) operatorStatus() string {
	ledger := a.vault.State()
	strat := a.strategy.State()
	var b strings.Builder
	fmt.Fprintf(&b, "status: %s\n", strat.Status)
	fmt.Fprintf(&b, "paused: vault=%v strategy=%v\n", ledger.Paused, strat.Paused)
	fmt.Fprintf(&b, "total assets: %s\n", ledger.TotalAssets)
	fmt.Fprintf(&b, "total supply: %s\n", ledger.TotalSupply)
	fmt.Fprintf(&b, "idle: %s\n", ledger.IdleAssets)
	fmt.Fprintf(&b, "utilized: %s\n", strat.UtilizedAssets)
	fmt.Fprintf(&b, "claimable: %s\n", ledger.ClaimableAssets)
	fmt.Fprintf(&b, "leverage: %s", strat.CurrentLeverage)
	return b.String()
}
