// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package api provides the JSON-RPC surface for the bonding, sortition
// and slashing core. Role-gated operations carry the caller's address
// explicitly; the components enforce the role checks.
package api

import (
	"net/http"
	"time"

	"github.com/luxfi/ids"

	"github.com/luxfi/sortition/bonding"
	"github.com/luxfi/sortition/exitqueue"
	"github.com/luxfi/sortition/registry"
	"github.com/luxfi/sortition/slashing"
	"github.com/luxfi/sortition/utils/json"
)

// Protocol is the wiring surface the service operates on.
type Protocol interface {
	Ledger() *bonding.Ledger
	Registry() *registry.Registry
	Slasher() *slashing.Manager
	Exits() *exitqueue.Queue
	Version() string
}

// Service provides the RPC API for the protocol core.
type Service struct {
	p Protocol
}

// NewService creates a new API service.
func NewService(p Protocol) *Service {
	return &Service{p: p}
}

type PingArgs struct{}

type PingReply struct {
	Success bool `json:"success"`
}

// Ping returns a simple health check response.
func (s *Service) Ping(_ *http.Request, _ *PingArgs, reply *PingReply) error {
	reply.Success = true
	return nil
}

type VersionArgs struct{}

type VersionReply struct {
	Version string `json:"version"`
}

func (s *Service) Version(_ *http.Request, _ *VersionArgs, reply *VersionReply) error {
	reply.Version = s.p.Version()
	return nil
}

// ============================================
// Bonding APIs
// ============================================

type AcquireLicenseArgs struct {
	Operator ids.NodeID  `json:"operator"`
	Address  ids.ShortID `json:"address"`
}

type AcquireLicenseReply struct {
	Success bool `json:"success"`
}

func (s *Service) AcquireLicense(_ *http.Request, args *AcquireLicenseArgs, reply *AcquireLicenseReply) error {
	if err := s.p.Ledger().AcquireLicense(args.Operator, args.Address); err != nil {
		return err
	}
	reply.Success = true
	return nil
}

type PurchaseTicketsArgs struct {
	Operator ids.NodeID  `json:"operator"`
	Count    json.Uint32 `json:"count"`
}

type PurchaseTicketsReply struct {
	TicketIDs []ids.ID `json:"ticketIDs"`
}

func (s *Service) PurchaseTickets(_ *http.Request, args *PurchaseTicketsArgs, reply *PurchaseTicketsReply) error {
	minted, err := s.p.Ledger().PurchaseTickets(args.Operator, uint32(args.Count))
	if err != nil {
		return err
	}
	reply.TicketIDs = minted
	return nil
}

type TopUpTicketArgs struct {
	TicketID ids.ID      `json:"ticketID"`
	Amount   json.Uint64 `json:"amount"`
}

type TopUpTicketReply struct {
	Success bool `json:"success"`
}

func (s *Service) TopUpTicket(_ *http.Request, args *TopUpTicketArgs, reply *TopUpTicketReply) error {
	if err := s.p.Ledger().TopUpTicket(args.TicketID, uint64(args.Amount)); err != nil {
		return err
	}
	reply.Success = true
	return nil
}

type RegisterCiphernodeArgs struct {
	Operator ids.NodeID `json:"operator"`
}

type RegisterCiphernodeReply struct {
	Success bool `json:"success"`
}

func (s *Service) RegisterCiphernode(_ *http.Request, args *RegisterCiphernodeArgs, reply *RegisterCiphernodeReply) error {
	if err := s.p.Ledger().RegisterCiphernode(args.Operator); err != nil {
		return err
	}
	reply.Success = true
	return nil
}

type DeregisterCiphernodeArgs struct {
	Operator ids.NodeID `json:"operator"`
}

type DeregisterCiphernodeReply struct {
	Success bool `json:"success"`
}

func (s *Service) DeregisterCiphernode(_ *http.Request, args *DeregisterCiphernodeArgs, reply *DeregisterCiphernodeReply) error {
	if err := s.p.Ledger().DeregisterCiphernode(args.Operator); err != nil {
		return err
	}
	reply.Success = true
	return nil
}

type WithdrawTicketsArgs struct {
	Operator ids.NodeID  `json:"operator"`
	Count    json.Uint32 `json:"count"`
}

type WithdrawTicketsReply struct {
	Value json.Uint64 `json:"value"`
}

func (s *Service) WithdrawTickets(_ *http.Request, args *WithdrawTicketsArgs, reply *WithdrawTicketsReply) error {
	value, err := s.p.Ledger().WithdrawTickets(args.Operator, uint32(args.Count))
	if err != nil {
		return err
	}
	reply.Value = json.Uint64(value)
	return nil
}

type RevokeLicenseArgs struct {
	Operator ids.NodeID `json:"operator"`
}

type RevokeLicenseReply struct {
	Success bool `json:"success"`
}

func (s *Service) RevokeLicense(_ *http.Request, args *RevokeLicenseArgs, reply *RevokeLicenseReply) error {
	if err := s.p.Ledger().RevokeLicense(args.Operator); err != nil {
		return err
	}
	reply.Success = true
	return nil
}

type ClaimExitArgs struct {
	Operator   ids.NodeID  `json:"operator"`
	MaxTicket  json.Uint64 `json:"maxTicket"`
	MaxLicense json.Uint64 `json:"maxLicense"`
}

type ClaimExitReply struct {
	TicketAmount  json.Uint64 `json:"ticketAmount"`
	LicenseAmount json.Uint64 `json:"licenseAmount"`
}

func (s *Service) ClaimExit(_ *http.Request, args *ClaimExitArgs, reply *ClaimExitReply) error {
	tickets, license, err := s.p.Ledger().ClaimExit(args.Operator, uint64(args.MaxTicket), uint64(args.MaxLicense))
	if err != nil {
		return err
	}
	reply.TicketAmount = json.Uint64(tickets)
	reply.LicenseAmount = json.Uint64(license)
	return nil
}

type GetOperatorArgs struct {
	Operator ids.NodeID `json:"operator"`
}

type GetOperatorReply struct {
	Operator         bonding.Operator `json:"operator"`
	AvailableTickets json.Uint32      `json:"availableTickets"`
	PendingTickets   json.Uint64      `json:"pendingTickets"`
	PendingLicense   json.Uint64      `json:"pendingLicense"`
	Banned           bool             `json:"banned"`
}

func (s *Service) GetOperator(_ *http.Request, args *GetOperatorArgs, reply *GetOperatorReply) error {
	op, err := s.p.Ledger().GetOperator(args.Operator)
	if err != nil {
		return err
	}
	pendingTickets, pendingLicense := s.p.Exits().PendingTotals(args.Operator)
	reply.Operator = op
	reply.AvailableTickets = json.Uint32(s.p.Ledger().AvailableTickets(args.Operator))
	reply.PendingTickets = json.Uint64(pendingTickets)
	reply.PendingLicense = json.Uint64(pendingLicense)
	reply.Banned = s.p.Slasher().IsBanned(args.Operator)
	return nil
}

type GetTicketArgs struct {
	TicketID ids.ID `json:"ticketID"`
}

type GetTicketReply struct {
	Ticket bonding.Ticket `json:"ticket"`
}

func (s *Service) GetTicket(_ *http.Request, args *GetTicketArgs, reply *GetTicketReply) error {
	ticket, err := s.p.Ledger().GetTicket(args.TicketID)
	if err != nil {
		return err
	}
	reply.Ticket = ticket
	return nil
}

type PreviewClaimableArgs struct {
	Operator ids.NodeID `json:"operator"`
}

type PreviewClaimableReply struct {
	TicketAmount  json.Uint64 `json:"ticketAmount"`
	LicenseAmount json.Uint64 `json:"licenseAmount"`
}

func (s *Service) PreviewClaimable(_ *http.Request, args *PreviewClaimableArgs, reply *PreviewClaimableReply) error {
	tickets, license := s.p.Exits().PreviewClaimable(args.Operator)
	reply.TicketAmount = json.Uint64(tickets)
	reply.LicenseAmount = json.Uint64(license)
	return nil
}

// ============================================
// Committee APIs
// ============================================

type RequestCommitteeArgs struct {
	TaskID        ids.ID      `json:"taskID"`
	Seed          ids.ID      `json:"seed"`
	Quorum        json.Uint32 `json:"quorum"`
	Max           json.Uint32 `json:"max"`
	WindowSeconds json.Uint64 `json:"windowSeconds"`
}

type RequestCommitteeReply struct {
	Success bool `json:"success"`
}

func (s *Service) RequestCommittee(_ *http.Request, args *RequestCommitteeArgs, reply *RequestCommitteeReply) error {
	window := time.Duration(args.WindowSeconds) * time.Second
	if err := s.p.Registry().RequestCommittee(args.TaskID, args.Seed, uint32(args.Quorum), uint32(args.Max), window); err != nil {
		return err
	}
	reply.Success = true
	return nil
}

type SubmitTicketArgs struct {
	Operator     ids.NodeID  `json:"operator"`
	TaskID       ids.ID      `json:"taskID"`
	TicketNumber json.Uint64 `json:"ticketNumber"`
}

type SubmitTicketReply struct {
	Retained bool `json:"retained"`
}

func (s *Service) SubmitTicket(_ *http.Request, args *SubmitTicketArgs, reply *SubmitTicketReply) error {
	retained, err := s.p.Registry().SubmitTicket(args.Operator, args.TaskID, uint64(args.TicketNumber))
	if err != nil {
		return err
	}
	reply.Retained = retained
	return nil
}

type FinalizeCommitteeArgs struct {
	TaskID ids.ID `json:"taskID"`
}

type FinalizeCommitteeReply struct {
	Members []ids.NodeID `json:"members"`
}

func (s *Service) FinalizeCommittee(_ *http.Request, args *FinalizeCommitteeArgs, reply *FinalizeCommitteeReply) error {
	members, err := s.p.Registry().FinalizeCommittee(args.TaskID)
	if err != nil {
		return err
	}
	reply.Members = members
	return nil
}

type PublishCommitteeArgs struct {
	TaskID    ids.ID       `json:"taskID"`
	Nodes     []ids.NodeID `json:"nodes"`
	PublicKey []byte       `json:"publicKey"`
}

type PublishCommitteeReply struct {
	Success bool `json:"success"`
}

func (s *Service) PublishCommittee(_ *http.Request, args *PublishCommitteeArgs, reply *PublishCommitteeReply) error {
	if err := s.p.Registry().PublishCommittee(args.TaskID, args.Nodes, args.PublicKey); err != nil {
		return err
	}
	reply.Success = true
	return nil
}

type GetCommitteeArgs struct {
	TaskID ids.ID `json:"taskID"`
}

type GetCommitteeReply struct {
	Committee registry.Committee `json:"committee"`
}

func (s *Service) GetCommittee(_ *http.Request, args *GetCommitteeArgs, reply *GetCommitteeReply) error {
	c, err := s.p.Registry().GetCommittee(args.TaskID)
	if err != nil {
		return err
	}
	reply.Committee = c
	return nil
}

type MembershipRootArgs struct{}

type MembershipRootReply struct {
	Root ids.ID `json:"root"`
}

func (s *Service) MembershipRoot(_ *http.Request, _ *MembershipRootArgs, reply *MembershipRootReply) error {
	reply.Root = s.p.Registry().Root()
	return nil
}

// ============================================
// Slashing APIs
// ============================================

type ProposeSlashArgs struct {
	Proposer ids.ShortID    `json:"proposer"`
	TaskID   ids.ID         `json:"taskID"`
	Operator ids.NodeID     `json:"operator"`
	Reason   uint8          `json:"reason"`
	Proof    slashing.Proof `json:"proof"`
}

type ProposeSlashReply struct {
	ProposalID ids.ID `json:"proposalID"`
}

func (s *Service) ProposeSlash(_ *http.Request, args *ProposeSlashArgs, reply *ProposeSlashReply) error {
	id, err := s.p.Slasher().ProposeSlash(args.Proposer, args.TaskID, args.Operator, args.Reason, &args.Proof)
	if err != nil {
		return err
	}
	reply.ProposalID = id
	return nil
}

type ProposeSlashEvidenceArgs struct {
	Proposer ids.ShortID `json:"proposer"`
	TaskID   ids.ID      `json:"taskID"`
	Operator ids.NodeID  `json:"operator"`
	Reason   uint8       `json:"reason"`
	Evidence []byte      `json:"evidence"`
}

type ProposeSlashEvidenceReply struct {
	ProposalID ids.ID `json:"proposalID"`
}

func (s *Service) ProposeSlashEvidence(_ *http.Request, args *ProposeSlashEvidenceArgs, reply *ProposeSlashEvidenceReply) error {
	id, err := s.p.Slasher().ProposeSlashEvidence(args.Proposer, args.TaskID, args.Operator, args.Reason, args.Evidence)
	if err != nil {
		return err
	}
	reply.ProposalID = id
	return nil
}

type FileAppealArgs struct {
	Caller     ids.ShortID `json:"caller"`
	ProposalID ids.ID      `json:"proposalID"`
	Evidence   []byte      `json:"evidence"`
}

type FileAppealReply struct {
	Success bool `json:"success"`
}

func (s *Service) FileAppeal(_ *http.Request, args *FileAppealArgs, reply *FileAppealReply) error {
	if err := s.p.Slasher().FileAppeal(args.Caller, args.ProposalID, args.Evidence); err != nil {
		return err
	}
	reply.Success = true
	return nil
}

type ResolveAppealArgs struct {
	Caller     ids.ShortID `json:"caller"`
	ProposalID ids.ID      `json:"proposalID"`
	Upheld     bool        `json:"upheld"`
	Resolution []byte      `json:"resolution"`
}

type ResolveAppealReply struct {
	Success bool `json:"success"`
}

func (s *Service) ResolveAppeal(_ *http.Request, args *ResolveAppealArgs, reply *ResolveAppealReply) error {
	if err := s.p.Slasher().ResolveAppeal(args.Caller, args.ProposalID, args.Upheld, args.Resolution); err != nil {
		return err
	}
	reply.Success = true
	return nil
}

type ExecuteSlashArgs struct {
	ProposalID ids.ID `json:"proposalID"`
}

type ExecuteSlashReply struct {
	Success bool `json:"success"`
}

func (s *Service) ExecuteSlash(_ *http.Request, args *ExecuteSlashArgs, reply *ExecuteSlashReply) error {
	if err := s.p.Slasher().ExecuteSlash(args.ProposalID); err != nil {
		return err
	}
	reply.Success = true
	return nil
}

type GetProposalArgs struct {
	ProposalID ids.ID `json:"proposalID"`
}

type GetProposalReply struct {
	Proposal slashing.Proposal `json:"proposal"`
}

func (s *Service) GetProposal(_ *http.Request, args *GetProposalArgs, reply *GetProposalReply) error {
	p, err := s.p.Slasher().GetProposal(args.ProposalID)
	if err != nil {
		return err
	}
	reply.Proposal = p
	return nil
}

type GetPolicyArgs struct {
	Reason uint8 `json:"reason"`
}

type GetPolicyReply struct {
	Policy slashing.Policy `json:"policy"`
}

func (s *Service) GetPolicy(_ *http.Request, args *GetPolicyArgs, reply *GetPolicyReply) error {
	p, err := s.p.Slasher().GetPolicy(args.Reason)
	if err != nil {
		return err
	}
	reply.Policy = p
	return nil
}

type SetPolicyArgs struct {
	Caller ids.ShortID     `json:"caller"`
	Policy slashing.Policy `json:"policy"`
}

type SetPolicyReply struct {
	Success bool `json:"success"`
}

func (s *Service) SetPolicy(_ *http.Request, args *SetPolicyArgs, reply *SetPolicyReply) error {
	if err := s.p.Slasher().SetPolicy(args.Caller, args.Policy); err != nil {
		return err
	}
	reply.Success = true
	return nil
}

type SetBanArgs struct {
	Caller   ids.ShortID `json:"caller"`
	Operator ids.NodeID  `json:"operator"`
	Banned   bool        `json:"banned"`
}

type SetBanReply struct {
	Success bool `json:"success"`
}

func (s *Service) SetBan(_ *http.Request, args *SetBanArgs, reply *SetBanReply) error {
	if err := s.p.Slasher().SetBan(args.Caller, args.Operator, args.Banned); err != nil {
		return err
	}
	reply.Success = true
	return nil
}

type IsBannedArgs struct {
	Operator ids.NodeID `json:"operator"`
}

type IsBannedReply struct {
	Banned bool `json:"banned"`
}

func (s *Service) IsBanned(_ *http.Request, args *IsBannedArgs, reply *IsBannedReply) error {
	reply.Banned = s.p.Slasher().IsBanned(args.Operator)
	return nil
}
