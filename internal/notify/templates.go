package notify

import (
	"fmt"

	"github.com/diamory/diamory-backend/internal/model"
)

const backupURL = "https://app.diamory.de/#backup"

const signature = `
Viele Grüße
Mark von diamory
`

func WarningMail(to string, days int) model.Mail {
	return model.Mail{
		To:      to,
		Subject: fmt.Sprintf("Account wird ohne ausreichendes Guthaben in %d Tagen gelöscht!", days),
		Body: fmt.Sprintf(`Hallo,

dein Account hat leider nicht genug Guthaben, um ihn zu verlängern.
Er wurde in einen read-only-Mode versetzt, du kannst keine Inhalte verändern.
Bitte lade deinen Account mit ausreichend Guthaben auf, um in den Normal-Modus zurückzukehren.
Ohne ausreichendes Guthaben wird er in %d Tage(n) unwiderruflich gelöscht,
mitsamt all deiner Inhalte.

Du kannst dir diamory aktuell nicht leisten? Um Datenverlust zu vermeiden, kannst du über das Interface ein Backup erstellen.
Wenn du später wieder Geld übrig hast, kannst du in einem neuen Account die Daten mit dem Backup wiederherstellen.
Backup erstellen: %s
`, days, backupURL) + signature,
	}
}

func RemovalMail(to string) model.Mail {
	return model.Mail{
		To:      to,
		Subject: "Account wurde gelöscht",
		Body: `Hallo,

leider mussten wir deinen Account aufgrund unzureichenden Guthabens unwiderruflich löschen.
Falls du zuvor ein Backup erstellt hattest, kannst du später, wenn du wieder Geld übrig hast,
in einem neuen Account die Daten mit dem Backup wiederherstellen.
` + signature,
	}
}

func WelcomeMail(to string) model.Mail {
	return model.Mail{
		To:      to,
		Subject: "Es kann losgehen",
		Body: `Hallo,

du kannst diamory ab sofort nutzen.

In den nächsten 30 Tagen kannst du diamory uneingeschränkt gratis nutzen.
Innerhalb der 30 Tage musst du ausreichendes Guthaben einzahlen, um diamory danach weiter nutzen zu können.
Ist am Ende der 30 Tage keine ausreichende Zahlung erfolgt, wird dein Account mitsamt all deiner Daten und Inhalte unwiderruflich gelöscht.
Viel Spaß beim Tagebuch schreiben. Privat, sicher verschlüsselt.
` + signature,
	}
}
