package escrowd

import (
	"fmt"
	"net/http"
	"strings"

	"digimarket/gateway/middleware"
	"digimarket/native/escrow"
)

// evidenceRequest carries an attachment. Content is base64 in JSON and is
// only used to compute the stored digest.
type evidenceRequest struct {
	Name    string `json:"name"`
	URI     string `json:"uri"`
	Content []byte `json:"content"`
}

func (e evidenceRequest) input() escrow.EvidenceInput {
	return escrow.EvidenceInput{Name: e.Name, URI: e.URI, Content: e.Content}
}

type raiseDisputeRequest struct {
	RaisedBy    string            `json:"raisedBy"`
	Reason      string            `json:"reason"`
	Description string            `json:"description"`
	Evidence    []evidenceRequest `json:"evidence"`
}

type resolveDisputeRequest struct {
	Action string `json:"action"`
	Amount string `json:"amount"`
	Note   string `json:"note"`
}

type resolveDisputeResponse struct {
	Dispute *escrow.Dispute `json:"dispute"`
	Escrow  *escrow.Escrow  `json:"escrow"`
}

// RaiseDispute opens a dispute on a released escrow. When raisedBy is
// omitted the caller's side is inferred from the escrow.
func (s *Server) RaiseDispute(w http.ResponseWriter, r *http.Request) {
	esc, caller, ok := s.loadForParty(w, r, "raise_dispute", param(r, "id"))
	if !ok {
		return
	}
	var req raiseDisputeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, "raise_dispute", err)
		return
	}
	var party escrow.Party
	if strings.TrimSpace(req.RaisedBy) == "" {
		party = inferParty(esc, caller)
	} else {
		parsed, err := escrow.ParseParty(req.RaisedBy)
		if err != nil {
			s.writeError(w, r, "raise_dispute", fmt.Errorf("%w: %v", escrow.ErrInvalidTerms, err))
			return
		}
		party = parsed
	}
	evidence := make([]escrow.EvidenceInput, 0, len(req.Evidence))
	for _, ev := range req.Evidence {
		evidence = append(evidence, ev.input())
	}
	dispute, err := s.engine.RaiseDispute(r.Context(), escrow.RaiseParams{
		EscrowID:    esc.ID,
		UserID:      caller.ID,
		RaisedBy:    party,
		Reason:      req.Reason,
		Description: req.Description,
		Evidence:    evidence,
	})
	if err != nil {
		s.writeError(w, r, "raise_dispute", err)
		return
	}
	writeJSON(w, http.StatusCreated, dispute)
}

func inferParty(esc *escrow.Escrow, caller middleware.Caller) escrow.Party {
	switch caller.ID {
	case esc.BuyerID:
		return escrow.PartyBuyer
	case esc.SellerID:
		return escrow.PartySeller
	default:
		return ""
	}
}

// EscrowDisputes lists the dispute history of an escrow.
func (s *Server) EscrowDisputes(w http.ResponseWriter, r *http.Request) {
	esc, _, ok := s.loadForParty(w, r, "disputes", param(r, "id"))
	if !ok {
		return
	}
	list, err := s.engine.Disputes(r.Context(), esc.ID)
	if err != nil {
		s.writeError(w, r, "disputes", err)
		return
	}
	if list == nil {
		list = []escrow.Dispute{}
	}
	writeJSON(w, http.StatusOK, list)
}

// loadDispute fetches the dispute in the URL and checks the caller is a party
// to the owning escrow.
func (s *Server) loadDispute(w http.ResponseWriter, r *http.Request, op string) (*escrow.Dispute, middleware.Caller, bool) {
	if _, ok := s.caller(w, r); !ok {
		return nil, middleware.Caller{}, false
	}
	dispute, err := s.engine.Dispute(r.Context(), param(r, "id"))
	if err != nil {
		s.writeError(w, r, op, err)
		return nil, middleware.Caller{}, false
	}
	_, caller, ok := s.loadForParty(w, r, op, dispute.EscrowID)
	if !ok {
		return nil, caller, false
	}
	return dispute, caller, true
}

// GetDispute returns one dispute.
func (s *Server) GetDispute(w http.ResponseWriter, r *http.Request) {
	dispute, _, ok := s.loadDispute(w, r, "get_dispute")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, dispute)
}

// AddEvidence attaches supporting material to an open dispute.
func (s *Server) AddEvidence(w http.ResponseWriter, r *http.Request) {
	dispute, caller, ok := s.loadDispute(w, r, "add_evidence")
	if !ok {
		return
	}
	var req evidenceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, "add_evidence", err)
		return
	}
	updated, err := s.engine.AddEvidence(r.Context(), dispute.ID, caller.ID, req.input())
	if err != nil {
		s.writeError(w, r, "add_evidence", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// ReviewDispute moves an open dispute under review.
func (s *Server) ReviewDispute(w http.ResponseWriter, r *http.Request) {
	dispute, err := s.engine.ReviewDispute(r.Context(), param(r, "id"))
	if err != nil {
		s.writeError(w, r, "review_dispute", err)
		return
	}
	writeJSON(w, http.StatusOK, dispute)
}

// ResolveDispute applies an administrator ruling.
func (s *Server) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req resolveDisputeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, "resolve_dispute", err)
		return
	}
	res, err := escrow.ParseResolution(req.Action, req.Amount)
	if err != nil {
		s.writeError(w, r, "resolve_dispute", err)
		return
	}
	dispute, esc, err := s.engine.ResolveDispute(r.Context(), param(r, "id"), req.Note, res)
	if err != nil {
		s.writeError(w, r, "resolve_dispute", err)
		return
	}
	writeJSON(w, http.StatusOK, resolveDisputeResponse{Dispute: dispute, Escrow: escrowView(esc, caller)})
}
