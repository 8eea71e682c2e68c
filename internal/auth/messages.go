package auth

import (
	"strings"

	"hearth/internal/models"
)

var messages = map[string]map[string]string{
	"en": {
		CodeEmailInUse:         "An account already exists with this email address.",
		CodeInvalidEmail:       "The email address is not valid.",
		CodeWeakPassword:       "The password must be at least 6 characters.",
		CodeUserNotFound:       "No account matches this email address.",
		CodeWrongPassword:      "The password is incorrect.",
		CodeInvalidToken:       "Your session is invalid. Please sign in again.",
		CodeTokenExpired:       "Your session has expired. Please sign in again.",
		CodeTokenRevoked:       "You have been signed out. Please sign in again.",
		CodeInvalidActionCode:  "This reset link is invalid or has already been used.",
		CodeExpiredActionCode:  "This reset link has expired.",
		CodeCredentialConflict: "This email is already linked to another sign-in method.",
		CodeInvalidIdentity:    "The sign-in provider returned an invalid identity.",
		CodeInternal:           "Something went wrong. Please try again.",
	},
	"fr": {
		CodeEmailInUse:         "Un compte existe déjà avec cette adresse e-mail.",
		CodeInvalidEmail:       "L'adresse e-mail n'est pas valide.",
		CodeWeakPassword:       "Le mot de passe doit contenir au moins 6 caractères.",
		CodeUserNotFound:       "Aucun compte ne correspond à cette adresse e-mail.",
		CodeWrongPassword:      "Le mot de passe est incorrect.",
		CodeInvalidToken:       "Votre session n'est pas valide. Veuillez vous reconnecter.",
		CodeTokenExpired:       "Votre session a expiré. Veuillez vous reconnecter.",
		CodeTokenRevoked:       "Vous avez été déconnecté. Veuillez vous reconnecter.",
		CodeInvalidActionCode:  "Ce lien de réinitialisation n'est pas valide ou a déjà été utilisé.",
		CodeExpiredActionCode:  "Ce lien de réinitialisation a expiré.",
		CodeCredentialConflict: "Cette adresse e-mail est déjà liée à une autre méthode de connexion.",
		CodeInvalidIdentity:    "Le fournisseur de connexion a renvoyé une identité invalide.",
		CodeInternal:           "Une erreur est survenue. Veuillez réessayer.",
	},
}

// Message returns the user-facing text for a provider code. lang may be a
// tag such as "fr-CA"; unknown languages fall back to English and unknown
// codes to the generic message.
func Message(code, lang string) string {
	lang = strings.ToLower(lang)
	if i := strings.IndexAny(lang, "-_"); i >= 0 {
		lang = lang[:i]
	}
	table, ok := messages[lang]
	if !ok {
		table = messages["en"]
	}
	if msg, ok := table[code]; ok {
		return msg
	}
	return table[CodeInternal]
}

// ToAppError converts a provider error into an AppError with a localized message.
func ToAppError(err error, lang string) error {
	if err == nil {
		return nil
	}
	code := CodeOf(err)
	appErr := &models.AppError{Message: Message(code, lang)}
	switch code {
	case CodeEmailInUse, CodeCredentialConflict:
		appErr.Code = models.CodeConflict
	case CodeInvalidEmail, CodeWeakPassword, CodeInvalidActionCode, CodeExpiredActionCode, CodeInvalidIdentity:
		appErr.Code = models.CodeValidation
	case CodeUserNotFound, CodeWrongPassword, CodeInvalidToken, CodeTokenExpired, CodeTokenRevoked:
		appErr.Code = models.CodeUnauthorized
	default:
		appErr.Code = models.CodeInternal
		appErr.Err = err
	}
	return appErr
}
