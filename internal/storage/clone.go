package storage

import (
	"sort"

	"aim-chat/identity-core/pkg/models"
)

func CloneIdentity(in models.Identity) models.Identity {
	out := in
	out.SigningPublicKey = append([]byte(nil), in.SigningPublicKey...)
	out.EncryptionPublicKey = append([]byte(nil), in.EncryptionPublicKey...)
	out.EncryptedPrivateKeyBundle = append([]byte(nil), in.EncryptedPrivateKeyBundle...)
	return out
}

func CloneRecord(in SealedRecord) SealedRecord {
	out := in
	out.Payload = append([]byte(nil), in.Payload...)
	return out
}

func CloneCredential(in PinCredential) PinCredential {
	out := in
	out.Salt = append([]byte(nil), in.Salt...)
	out.Verifier = append([]byte(nil), in.Verifier...)
	if in.Previous != nil {
		prev := CloneCredential(*in.Previous)
		prev.Previous = nil
		out.Previous = &prev
	}
	return out
}

// MergeProfile applies the mutable fields of next onto current. Keys, the
// sealed bundle and the creation time never change through an update, and
// the default flag can only be dropped.
func MergeProfile(current, next models.Identity) models.Identity {
	out := CloneIdentity(current)
	out.Nickname = next.Nickname
	out.Bio = next.Bio
	out.AvatarPath = next.AvatarPath
	out.Document = next.Document
	out.IsDefault = current.IsDefault && next.IsDefault
	out.IsActive = next.IsActive
	out.NeedsRetry = next.NeedsRetry
	out.UpdatedAt = next.UpdatedAt
	return out
}

// SortIdentities orders by creation time, oldest first.
func SortIdentities(items []models.Identity) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].DID < items[j].DID
	})
}
