package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/conduithq/conduit/internal/apperror"
	"github.com/conduithq/conduit/internal/models"
	"github.com/conduithq/conduit/internal/store"
)

var strategyAnnotation = map[models.InjectionStrategy]string{
	models.StrategyStrict:   "auto-filled, do NOT ask user",
	models.StrategyFallback: "has default, only ask if user wants to override",
	models.StrategyAppend:   "partially pre-filled, user may add more",
}

type knowledgeRow struct {
	DefinitionId string `json:"definitionId"`
	Key          string `json:"key"`
	Knowledge    string `json:"knowledge"`
}

// ListKnowledge handles GET /knowledge: every CMD's knowledge field, with
// CVM-bound parameters prepended as a banner.
func (h *Handlers) ListKnowledge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cmds, err := h.Store.GetManyCMD(ctx, store.Filter{"recordMetadata.deleted": false}, store.ListOptions{Limit: store.MaxLimit})
	if err != nil {
		apperror.WriteJSON(w, apperror.As(err))
		return
	}

	rows := make([]knowledgeRow, 0, len(cmds))
	for _, cmd := range cmds {
		cvm, err := h.Store.GetOneCVM(ctx, store.Filter{"connectionModelDefinitionId": cmd.ID, "deleted": false})
		knowledge := cmd.Knowledge
		if err == nil && cvm != nil {
			knowledge = annotateKnowledge(cmd.Knowledge, *cvm)
		}
		rows = append(rows, knowledgeRow{DefinitionId: cmd.ID, Key: cmd.Key, Knowledge: knowledge})
	}
	writeJSON(w, http.StatusOK, rows)
}

func annotateKnowledge(knowledge string, cvm models.ConnectionVariableMapping) string {
	if len(cvm.Bindings) == 0 {
		return knowledge
	}
	items := make([]string, 0, len(cvm.Bindings))
	for _, b := range cvm.Bindings {
		items = append(items, fmt.Sprintf("'%s' (%s)", b.TargetParam, strategyAnnotation[b.Strategy]))
	}
	banner := fmt.Sprintf(
		"IMPORTANT: The following parameters are automatically handled by the system and do NOT need to be retrieved or asked for: %s.",
		strings.Join(items, ", "),
	)
	if knowledge == "" {
		return banner
	}
	return banner + "\n" + knowledge
}
