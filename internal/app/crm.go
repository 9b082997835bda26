package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"estatecrm/api/internal/calendar"
	"estatecrm/api/internal/email"
	"estatecrm/api/internal/evaluate"
	"estatecrm/api/internal/store"
	"estatecrm/api/internal/syncmap"
	"estatecrm/api/internal/util"
	"estatecrm/api/internal/whatsapp"
)

const (
	channelWhatsApp = "whatsapp"
	channelEmail    = "email"

	campaignSending            = "sending"
	campaignCompleted          = "completed"
	campaignCompletedWithError = "completed_with_errors"
	campaignCancelled          = "cancelled"
	campaignFailed             = "failed"
)

type CampaignResult struct {
	CampaignID string `json:"campaign_id"`
	Status     string `json:"status"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
}

// SendCampaign delivers a campaign to its pending recipients one at a time, pausing
// CampaignInterval between sends. A failed recipient is marked failed and the loop goes on.
func (s *Service) SendCampaign(ctx context.Context, campaignID string) (CampaignResult, error) {
	campaign, err := s.store.GetCampaign(ctx, campaignID)
	if errors.Is(err, store.ErrNotFound) {
		return CampaignResult{}, notFound("Campaign")
	}
	if err != nil {
		return CampaignResult{}, err
	}
	if campaign.Status == campaignSending {
		return CampaignResult{}, domainError(http.StatusConflict, "CAMPAIGN_SENDING", "Campaign is already sending", nil)
	}
	switch campaign.Channel {
	case channelWhatsApp:
		if s.whatsapp == nil {
			return CampaignResult{}, unavailable("WHATSAPP_UNAVAILABLE", "WhatsApp is not configured")
		}
	case channelEmail:
		if s.email == nil {
			return CampaignResult{}, unavailable("EMAIL_UNAVAILABLE", "Email is not configured")
		}
	default:
		return CampaignResult{}, invalid("Unknown campaign channel "+campaign.Channel, nil)
	}

	recipients, err := s.store.ListPendingCampaignLeads(ctx, campaign.ID)
	if err != nil {
		return CampaignResult{}, err
	}
	if err := s.store.SetCampaignStatus(ctx, campaign.ID, campaignSending); err != nil {
		return CampaignResult{}, err
	}

	result := CampaignResult{CampaignID: campaign.ID}
	logger := s.logger.With(zap.String("campaign_id", campaign.ID), zap.String("channel", campaign.Channel))
	// stop leaves the campaign in a terminal status so it can be sent again later;
	// recipients not yet reached stay pending.
	stop := func(status string, err error) (CampaignResult, error) {
		result.Status = status
		if statusErr := s.store.SetCampaignStatus(context.WithoutCancel(ctx), campaign.ID, status); statusErr != nil {
			logger.Error("set campaign status", zap.Error(statusErr))
		}
		logger.Info("campaign stopped", zap.String("status", status), zap.Int("sent", result.Sent),
			zap.Int("failed", result.Failed), zap.Error(err))
		return result, err
	}
	for i, recipient := range recipients {
		if i > 0 {
			if err := s.sleep(ctx, s.cfg.CampaignInterval); err != nil {
				return stop(campaignCancelled, err)
			}
		}

		message, sendErr := s.sendToRecipient(ctx, campaign, recipient)
		if sendErr != nil {
			result.Failed++
			logger.Warn("campaign send failed", zap.String("lead_id", recipient.LeadID), zap.Error(sendErr))
			if err := s.store.MarkCampaignLead(ctx, recipient.ID, "failed", sendErr.Error()); err != nil {
				return stop(campaignFailed, err)
			}
			continue
		}
		result.Sent++
		if err := s.store.MarkCampaignLead(ctx, recipient.ID, "sent", ""); err != nil {
			return stop(campaignFailed, err)
		}
		if err := s.store.InsertMessage(ctx, message); err != nil {
			return stop(campaignFailed, err)
		}
	}

	result.Status = campaignCompleted
	if result.Failed > 0 {
		result.Status = campaignCompletedWithError
	}
	if err := s.store.SetCampaignStatus(ctx, campaign.ID, result.Status); err != nil {
		return result, err
	}
	logger.Info("campaign finished", zap.Int("sent", result.Sent), zap.Int("failed", result.Failed))
	return result, nil
}

func (s *Service) sendToRecipient(ctx context.Context, campaign store.Campaign, recipient store.CampaignLead) (store.Message, error) {
	data := email.Recipient{Name: recipient.Name, Email: recipient.Email, Phone: recipient.Phone}
	body, err := email.Render(campaign.Body, data)
	if err != nil {
		return store.Message{}, err
	}
	message := store.Message{
		ID:         util.NewID("msg"),
		LeadID:     recipient.LeadID,
		CampaignID: campaign.ID,
		Channel:    campaign.Channel,
		Direction:  "outbound",
		Body:       body,
		Status:     "sent",
	}

	switch campaign.Channel {
	case channelWhatsApp:
		if strings.TrimSpace(recipient.Phone) == "" {
			return store.Message{}, errors.New("lead has no phone number")
		}
		out := whatsapp.Outbound{To: recipient.Phone, Text: body}
		if campaign.TemplateName != "" {
			out = whatsapp.Outbound{
				To:               recipient.Phone,
				TemplateName:     campaign.TemplateName,
				TemplateLanguage: campaign.TemplateLanguage,
				TemplateParams:   []string{recipient.Name},
			}
			message.Body = "template:" + campaign.TemplateName
		}
		message.Recipient = recipient.Phone
		message.ExternalID, err = s.whatsapp.Send(ctx, out)
	case channelEmail:
		if strings.TrimSpace(recipient.Email) == "" {
			return store.Message{}, errors.New("lead has no email address")
		}
		subject, renderErr := email.Render(campaign.Subject, data)
		if renderErr != nil {
			return store.Message{}, renderErr
		}
		message.Recipient = recipient.Email
		message.ExternalID, err = s.email.Send(ctx, email.Message{To: recipient.Email, Subject: subject, HTML: body})
	}
	if err != nil {
		return store.Message{}, err
	}
	return message, nil
}

// EvaluateCall scores a call transcript with the LLM and stores the evaluation on the call.
func (s *Service) EvaluateCall(ctx context.Context, callID string) (evaluate.Evaluation, error) {
	if s.evaluator == nil {
		return evaluate.Evaluation{}, evaluate.ErrNotConfigured
	}
	call, err := s.store.GetCall(ctx, callID)
	if errors.Is(err, store.ErrNotFound) {
		return evaluate.Evaluation{}, notFound("Call")
	}
	if err != nil {
		return evaluate.Evaluation{}, err
	}
	if strings.TrimSpace(call.Transcript) == "" {
		return evaluate.Evaluation{}, invalid("Call has no transcript", nil)
	}

	input := evaluate.CallContext{DurationSeconds: call.DurationSeconds, Transcript: call.Transcript}
	if call.LeadID != "" {
		if lead, err := s.store.GetRecord(ctx, "leads", call.LeadID); err == nil {
			input.LeadName = syncmap.Canonical(lead["name"])
		}
	}
	evaluation, err := s.evaluator.Evaluate(ctx, input)
	if err != nil {
		return evaluate.Evaluation{}, err
	}
	if err := s.store.SaveCallEvaluation(ctx, call.ID, evaluation.Map()); err != nil {
		return evaluate.Evaluation{}, err
	}
	return evaluation, nil
}

// ScheduleTask puts a task on the shared Google Calendar once; later calls return the stored event.
func (s *Service) ScheduleTask(ctx context.Context, taskID string) (string, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return "", notFound("Task")
	}
	if err != nil {
		return "", err
	}
	if task.CalendarEventID != "" {
		return task.CalendarEventID, nil
	}
	if s.calendar == nil {
		return "", calendar.ErrNotConfigured
	}

	eventID, err := s.calendar.CreateEvent(ctx, calendar.Event{
		Summary:     task.Title,
		Description: task.Description,
		Start:       task.DueAt,
		Duration:    time.Duration(task.DurationMinutes) * time.Minute,
		TaskID:      task.ID,
	})
	if err != nil {
		return "", err
	}
	if err := s.store.SetTaskCalendarEvent(ctx, task.ID, eventID); err != nil {
		return "", err
	}
	return eventID, nil
}

func (s *Service) VerifyWhatsAppWebhook(mode, token, challenge string) (string, bool) {
	if s.whatsapp == nil {
		return "", false
	}
	return s.whatsapp.Verify(mode, token, challenge)
}

type WebhookSummary struct {
	Messages int `json:"messages"`
	Statuses int `json:"statuses"`
}

// IngestWhatsApp stores inbound messages, matched to a lead by phone, and applies delivery receipts.
func (s *Service) IngestWhatsApp(ctx context.Context, body []byte) (WebhookSummary, error) {
	event, err := whatsapp.ParseWebhook(body)
	if err != nil {
		return WebhookSummary{}, domainError(http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
	}

	summary := WebhookSummary{}
	for _, inbound := range event.Messages {
		message := store.Message{
			ID:         util.NewID("msg"),
			Channel:    channelWhatsApp,
			Direction:  "inbound",
			Recipient:  inbound.From,
			Body:       inbound.Text,
			ExternalID: inbound.ID,
			Status:     "received",
		}
		leads, err := s.store.FindRecords(ctx, "leads", "phone", inbound.From)
		if err != nil {
			return summary, fmt.Errorf("match lead: %w", err)
		}
		if len(leads) > 0 {
			message.LeadID = syncmap.Canonical(leads[0]["id"])
		}
		if err := s.store.InsertMessage(ctx, message); err != nil {
			return summary, err
		}
		summary.Messages++
	}
	for _, status := range event.Statuses {
		if err := s.store.UpdateMessageStatus(ctx, status.MessageID, status.Status); err != nil {
			return summary, err
		}
		summary.Statuses++
	}
	return summary, nil
}
