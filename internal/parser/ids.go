package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/nhle/mailsync/internal/model"
)

// recordNamespace scopes the name-based UUIDs generated for records.
var recordNamespace = uuid.MustParse("5b7f7a2e-3c1d-4e0a-9f51-0c6f2d8e4a17")

// RecordID derives the stable record id for a payload. The Message-ID is
// preferred; without one the server identity (UIDVALIDITY, UID) is used,
// and as a last resort the content hash. Account and folder are always
// part of the name so a Message-ID reused across folders still yields
// distinct records.
func RecordID(p model.RawMessagePayload, messageID string) string {
	parts := []string{p.AccountID, p.Folder}
	switch {
	case messageID != "":
		parts = append(parts, messageID)
	case p.UID != 0:
		parts = append(parts,
			strconv.FormatUint(uint64(p.UIDValidity), 10),
			strconv.FormatUint(uint64(p.UID), 10),
		)
	default:
		sum := sha256.Sum256(p.Data)
		parts = append(parts, hex.EncodeToString(sum[:]))
	}
	name := strings.Join(parts, "\x00")
	return uuid.NewSHA1(recordNamespace, []byte(name)).String()
}
