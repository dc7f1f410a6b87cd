package notify

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/stakeswap/internal/domain"
)

// Format renders an event as a title and message body.
func Format(ev domain.Event) (string, string) {
	title := strings.ReplaceAll(string(ev.Type), "_", " ")
	if ev.ExchangeID > 0 {
		title = fmt.Sprintf("Exchange #%d: %s", ev.ExchangeID, title)
	}

	var lines []string
	if ev.Actor != (common.Address{}) {
		lines = append(lines, "by "+ev.Actor.Hex())
	}
	switch ev.Type {
	case domain.EventExchangeCompleted:
		lines = append(lines, fmt.Sprintf("outcome %v, ratings %v/%v",
			ev.Data["outcome"], ev.Data["initiator_rating"], ev.Data["counterparty_rating"]))
	case domain.EventStakeForfeited:
		lines = append(lines, fmt.Sprintf("%v forfeits %v to %v", ev.Data["from"], ev.Data["amount"], ev.Data["to"]))
	case domain.EventStakeReleased:
		lines = append(lines, fmt.Sprintf("%v released to %v (%v)", ev.Data["amount"], ev.Data["to"], ev.Data["reason"]))
	case domain.EventReputationChanged:
		lines = append(lines, fmt.Sprintf("%v %+v, score %v", ev.Data["identity"], ev.Data["delta"], ev.Data["score"]))
	case domain.EventExchangeRated:
		lines = append(lines, fmt.Sprintf("%v rated %v", ev.Data["party"], ev.Data["rating"]))
	}
	lines = append(lines, ev.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	return title, strings.Join(lines, "\n")
}
