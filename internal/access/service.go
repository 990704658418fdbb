package access

import (
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/waveframe-studio/waveframe-backend/pkg/config"
	"github.com/waveframe-studio/waveframe-backend/pkg/db/models"
	"github.com/waveframe-studio/waveframe-backend/pkg/enums"
	pkgerrors "github.com/waveframe-studio/waveframe-backend/pkg/errors"
	"github.com/waveframe-studio/waveframe-backend/pkg/storage/gcs"
)

// PreviewURLs are the watermarked, short-lived links for an in-progress
// session.
type PreviewURLs struct {
	SessionToken string    `json:"session_token"`
	PhotoURL     string    `json:"photo_url,omitempty"`
	AudioURL     string    `json:"audio_url,omitempty"`
	WaveformURL  string    `json:"waveform_url,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// PermanentURLs are the long-lived links printed on the poster. They are a
// pure function of the order's immutable columns: asking twice yields the
// same bytes.
type PermanentURLs struct {
	OrderID     uuid.UUID `json:"order_id"`
	QRTarget    string    `json:"qr_target"`
	PhotoURL    string    `json:"photo_url"`
	AudioURL    string    `json:"audio_url"`
	WaveformURL string    `json:"waveform_url"`
	PDFURL      string    `json:"pdf_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Service issues access URLs for temp previews and permanent assets.
type Service struct {
	signer gcs.URLSigner
	cfg    config.AccessConfig
}

// NewService builds the access URL service.
func NewService(signer gcs.URLSigner, cfg config.AccessConfig) (*Service, error) {
	if signer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "url signer required")
	}
	if strings.TrimSpace(cfg.PublicBaseURL) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "public base url required")
	}
	return &Service{signer: signer, cfg: cfg}, nil
}

// QRTarget returns the player page URL the printed QR code points at.
func (s *Service) QRTarget(downloadToken string) string {
	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/p/" + downloadToken
}

// PreviewURLs signs short-lived watermarked URLs for the session's temp
// assets. Absent assets are simply omitted.
func (s *Service) PreviewURLs(session *models.Session) (*PreviewURLs, error) {
	if session == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "session not found")
	}

	expires := time.Now().Add(s.previewTTL()).UTC().Truncate(time.Second)
	query := url.Values{"watermark": []string{"1"}}

	out := &PreviewURLs{
		SessionToken: session.Token,
		ExpiresAt:    expires,
	}
	var err error
	if out.PhotoURL, err = s.signOptional(session.PhotoTempKey, expires, query); err != nil {
		return nil, err
	}
	if out.AudioURL, err = s.signOptional(session.AudioTempKey, expires, query); err != nil {
		return nil, err
	}
	if out.WaveformURL, err = s.signOptional(session.WaveformTempKey, expires, query); err != nil {
		return nil, err
	}
	return out, nil
}

// PermanentURLs builds the QR target and multi-year asset URLs for a
// completed order. Everything derives from columns that never change after
// the migration commit, so repeated calls are byte-identical.
func (s *Service) PermanentURLs(order *models.Order) (*PermanentURLs, error) {
	if order == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	if order.MigrationStatus != enums.MigrationStatusCompleted || !order.HasPermanentKeys() || order.MigrationCompletedAt == nil {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order assets not yet permanent")
	}

	expires := order.MigrationCompletedAt.Add(s.permanentTTL()).UTC().Truncate(time.Second)

	photoURL, err := s.signer.SignedURL("", *order.PermanentPhotoKey, expires, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sign photo url")
	}
	audioURL, err := s.signer.SignedURL("", *order.PermanentAudioKey, expires, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sign audio url")
	}
	waveformURL, err := s.signer.SignedURL("", *order.PermanentWaveformKey, expires, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sign waveform url")
	}
	pdfURL, err := s.signer.SignedURL("", *order.PermanentPDFKey, expires, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sign pdf url")
	}

	return &PermanentURLs{
		OrderID:     order.ID,
		QRTarget:    s.QRTarget(order.DownloadToken),
		PhotoURL:    photoURL,
		AudioURL:    audioURL,
		WaveformURL: waveformURL,
		PDFURL:      pdfURL,
		ExpiresAt:   expires,
	}, nil
}

func (s *Service) signOptional(key *string, expires time.Time, query url.Values) (string, error) {
	if key == nil || strings.TrimSpace(*key) == "" {
		return "", nil
	}
	signed, err := s.signer.SignedURL("", *key, expires, query)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sign preview url")
	}
	return signed, nil
}

func (s *Service) previewTTL() time.Duration {
	if s.cfg.PreviewTTL > 0 {
		return s.cfg.PreviewTTL
	}
	return 24 * time.Hour
}

func (s *Service) permanentTTL() time.Duration {
	if s.cfg.PermanentTTL > 0 {
		return s.cfg.PermanentTTL
	}
	return 87600 * time.Hour
}
