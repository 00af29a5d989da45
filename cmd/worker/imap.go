package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/mail"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	apppkg "github.com/leadline-io/crm-go/cmd/api/app"
	"github.com/leadline-io/crm-go/cmd/api/events"
	wspkg "github.com/leadline-io/crm-go/cmd/api/ws"
	"github.com/leadline-io/crm-go/internal/sla"
)

// pollIMAP connects to an IMAP inbox, retrieves new messages and feeds each
// one into the lead pipeline.
func pollIMAP(ctx context.Context, c Config, db apppkg.DB, mc *minio.Client, rdb *redis.Client) error {
	if c.MinIOBucket != "" && mc == nil {
		return fmt.Errorf("MinIO client is nil")
	}
	addr := fmt.Sprintf("%s:993", c.IMAPHost)
	cli, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return err
	}
	defer cli.Logout()

	if err := cli.Login(c.IMAPUser, c.IMAPPass); err != nil {
		return err
	}

	mbox, err := cli.Select(c.IMAPFolder, false)
	if err != nil {
		return err
	}
	if mbox.Messages == 0 {
		return nil
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := cli.Search(criteria)
	if err != nil || len(uids) == 0 {
		return err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	section := &imap.BodySectionName{}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- cli.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}, messages)
	}()

	for msg := range messages {
		if msg == nil {
			continue
		}
		r := msg.GetBody(section)
		if r == nil {
			continue
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			log.Error().Err(err).Msg("read body")
			continue
		}

		key := fmt.Sprintf("email/%s.eml", uuid.NewString())
		if c.MinIOBucket != "" {
			_, err = mc.PutObject(ctx, c.MinIOBucket, key, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{})
			if err != nil {
				log.Error().Err(err).Msg("put object")
			}
		}

		m, err := message.Read(bytes.NewReader(raw))
		if err != nil && !message.IsUnknownCharset(err) {
			log.Error().Err(err).Msg("parse message")
			continue
		}
		subject := sanitizeEmailHeader(m.Header.Get("Subject"))
		fromHeader := sanitizeEmailHeader(m.Header.Get("From"))
		body, err := textBody(m)
		if err != nil {
			log.Error().Err(err).Msg("read message body")
			continue
		}
		cleanBody := sanitizeEmailBody(body)

		fromAddr, fromName := fromHeader, ""
		if a, err := mail.ParseAddress(fromHeader); err == nil {
			fromAddr, fromName = a.Address, a.Name
		}
		if err := validateEmailAddress(fromAddr); err != nil {
			log.Warn().Str("from", fromHeader).Msg("unparseable sender, skipping")
			continue
		}

		if err := ingestEmail(ctx, db, rdb, fromAddr, fromName, subject, cleanBody, key); err != nil {
			log.Error().Err(err).Str("from", fromAddr).Msg("ingest email")
			continue
		}

		seq := new(imap.SeqSet)
		seq.AddNum(msg.SeqNum)
		if err := cli.Store(seq, imap.AddFlags, []interface{}{imap.SeenFlag}, nil); err != nil {
			log.Error().Err(err).Msg("store flags")
		}
	}
	return <-done
}

// textBody extracts the first text part of a message, preferring text/plain
// over text/html. A non-multipart message is read as-is.
func textBody(m *message.Entity) ([]byte, error) {
	mr := m.MultipartReader()
	if mr == nil {
		return io.ReadAll(m.Body)
	}
	var html []byte
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		ct, _, _ := p.Header.ContentType()
		switch ct {
		case "text/plain":
			return io.ReadAll(p.Body)
		case "text/html":
			if html == nil {
				html, _ = io.ReadAll(p.Body)
			}
		}
	}
	return html, nil
}

// ingestEmail records one inbound customer email. A message from a known
// lead's address counts as an incoming customer message: the ball moves back
// to the agent and a fresh response deadline is projected. An unknown sender
// becomes a new lead with its clock started.
func ingestEmail(ctx context.Context, db apppkg.DB, rdb *redis.Client, fromAddr, fromName, subject, body, objectKey string) error {
	now := time.Now()

	var leadID string
	err := db.QueryRow(ctx,
		`select id::text from leads where email=$1 and status <> 'Converted' order by created_at desc limit 1`,
		fromAddr).Scan(&leadID)
	if err == nil && leadID != "" {
		return recordInbound(ctx, db, rdb, leadID, fromAddr, subject, body, objectKey, now)
	}

	ap := sla.NewApplier(&sla.DefaultResolver{DB: db})
	e := sla.Entity{Kind: sla.KindLead, IsNew: true}
	if err := ap.BeforeValidate(ctx, &e); err != nil {
		return err
	}
	if err := ap.BeforeSave(ctx, &e); err != nil {
		return err
	}

	name := fromName
	if name == "" {
		name = fromAddr
	}
	const insertLead = `insert into leads (name, email, status, source, sla, sla_creation, communication_status, first_responded_on, last_responded_on, last_response_time, response_by, sla_status, last_message_at)
		values ($1, $2, 'New', 'email', nullif($3,''), $4, nullif($5,''), $6, $7, $8, $9, nullif($10,''), $11) returning id::text`
	if err := db.QueryRow(ctx, insertLead,
		name, fromAddr, e.SLA, e.SLACreation, e.CommunicationStatus,
		e.FirstRespondedOn, e.LastRespondedOn, e.LastResponseTime, e.ResponseBy, string(e.Status), now,
	).Scan(&leadID); err != nil {
		return err
	}

	insertCommunication(ctx, db, leadID, fromAddr, subject, body, objectKey, now)
	payload := map[string]interface{}{"id": leadID, "name": name, "email": fromAddr, "sla_status": string(e.Status)}
	events.Emit(ctx, db, "lead", leadID, "lead_created", payload)
	wspkg.PublishEvent(ctx, rdb, wspkg.Created("lead", leadID, payload))
	return nil
}

// recordInbound applies an incoming customer message to an existing lead.
func recordInbound(ctx context.Context, db apppkg.DB, rdb *redis.Client, leadID, fromAddr, subject, body, objectKey string, now time.Time) error {
	var e sla.Entity
	e.Kind = sla.KindLead
	var status string
	const load = `select coalesce(sla,''), sla_creation, coalesce(communication_status,''), first_responded_on, last_responded_on, last_response_time, response_by, coalesce(sla_status,'') from leads where id=$1`
	if err := db.QueryRow(ctx, load, leadID).Scan(&e.SLA, &e.SLACreation, &e.CommunicationStatus, &e.FirstRespondedOn, &e.LastRespondedOn, &e.LastResponseTime, &e.ResponseBy, &status); err != nil {
		return err
	}
	e.Status = sla.Status(status)
	prev := e.Status

	if e.SLA != "" {
		def, err := sla.LoadDefinition(ctx, db, e.SLA)
		if err != nil {
			return err
		}
		if def != nil {
			e.CommunicationStatusChanged = true
			def.HandleTargets(&e, now)
			def.Apply(&e, now)
		}
	}

	const persist = `update leads set sla=nullif($1,''), sla_creation=$2, communication_status=nullif($3,''), first_responded_on=$4, last_responded_on=$5, last_response_time=$6, response_by=$7, sla_status=nullif($8,''), last_message_at=$9, updated_at=now() where id=$10`
	if _, err := db.Exec(ctx, persist,
		e.SLA, e.SLACreation, e.CommunicationStatus,
		e.FirstRespondedOn, e.LastRespondedOn, e.LastResponseTime, e.ResponseBy, string(e.Status), now, leadID,
	); err != nil {
		return err
	}

	insertCommunication(ctx, db, leadID, fromAddr, subject, body, objectKey, now)
	payload := map[string]interface{}{"id": leadID, "sla_status": string(e.Status), "response_by": e.ResponseBy}
	events.Emit(ctx, db, "lead", leadID, "message_received", payload)
	if e.Status != prev {
		events.Emit(ctx, db, "lead", leadID, "sla_status_changed", payload)
		wspkg.PublishEvent(ctx, rdb, wspkg.StatusChanged("lead", leadID, string(prev), string(e.Status), e.ResponseBy))
	}
	return nil
}

func insertCommunication(ctx context.Context, db apppkg.DB, leadID, sender, subject, body, objectKey string, now time.Time) {
	content := body
	if subject != "" {
		content = subject + "\n\n" + body
	}
	if _, err := db.Exec(ctx,
		`insert into communications (entity_kind, entity_id, direction, sender, content, object_key, created_at) values ('lead', $1, 'incoming', $2, $3, nullif($4,''), $5)`,
		leadID, sender, content, objectKey, now,
	); err != nil {
		log.Error().Err(err).Str("lead", leadID).Msg("insert communication")
	}
}
