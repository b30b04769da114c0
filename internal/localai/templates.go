package localai

var templateText = map[Task]string{
	TaskTender: MarkerTender + `

🛡️ **Analyse de Conformité DAO (Moteur Local)**

1. **Classification** : {{.Category}}
   *Détection basée sur l'analyse lexicale locale.*

2. **Pièces Administratives Critiques** :
   - ❌ Caisse Nationale de Prévoyance Sociale (CNPS) : Mention non détectée ou à vérifier manuellement.
   - ✅ Attestation de Non-Faillite : Présumée requise par défaut.

3. **Analyse de Risque Financier** :
   - Termes détectés : {{.RiskTerms}}.
   - **Recommandation** : En l'absence de connexion Cloud, vérifiez manuellement l'Article sur les "Pénalités de Retard".

*Note : Synchronisez avec le Cloud pour une vérification juridique complète.*`,

	TaskPodcast: MarkerPodcast + `

🎙️ **Script Podcast Express (Gabarit Local)**

**Intro Musicale (Suggérée)** : Afro-beat dynamique.

**Hôte A** : Salut la communauté ! Aujourd'hui on parle de : "{{preview 30 .Input}}".

**Hôte B** : C'est un sujet clé. J'ai lu le texte que tu m'as envoyé ({{.Chars}} caractères). Il y a 3 piliers.

**Hôte A** : Vas-y, je t'écoute.

**Hôte B** :
1. Le problème central soulevé par le texte.
2. La solution technique proposée.
3. L'impact concret sur le terrain.

**Hôte A** : C'est super clair. Et pour ceux qui veulent aller plus loin ?

**Hôte B** : Relisez le document source, page par page. C'est dense mais riche !

*Note : Voix neuronale indisponible hors ligne.*`,

	TaskSummary: MarkerSummary + `

**Métadonnées du Document**
• Longueur : {{.Chars}} caractères.
• Densité : {{.Words}} mots environ.

**Extraction Rapide** :
• Le texte semble aborder des concepts techniques.
• Des listes ou énumérations ont été identifiées.

**Structure Suggérée pour Révision** :
I. Introduction
II. Développement Principal (Le cœur du sujet "{{preview 15 .Input}}")
III. Conclusion Pratique

**Action Suggérée** :
Ce résumé est généré par analyse de fréquence de mots. Pour une compréhension sémantique, le mode Online est requis.`,

	TaskPitch: MarkerPitch + `

📊 **Structure Pitch Deck (Gabarit Universel)**

1. **Slide Titre** : "{{preview 20 .Input}}"
2. **Problème** : Définissez la douleur client.
3. **Solution** : Votre produit/service.
4. **Marché** : Taille et opportunité au Cameroun.
5. **Business Model** : Comment gagnez-vous de l'argent ?
6. **Équipe** : Qui êtes-vous ?
7. **Demande** : Combien cherchez-vous ?

*Remplissez ces cases manuellement. L'IA Générative est hors ligne.*`,

	TaskChat: MarkerChat + ` : Je suis en mode autonomie.

J'ai analysé votre message : "{{.Input}}"

Mes capacités hors ligne sont limitées à :
1. Compter les mots ({{.Words}}) et les caractères ({{.Chars}}).
2. Détecter l'urgence : {{if .Urgent}}⚠️ mots clés détectés ({{.UrgentTerms}}).{{else}}aucun mot clé urgent (Urgent, Aide, Panne).{{end}}
3. Préparer une réponse type.

Pour une conversation fluide avec Yann, veuillez activer internet.`,
}
